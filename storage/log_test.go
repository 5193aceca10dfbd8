package storage

import (
	"bytes"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"testing"

	"github.com/elliotcourant/snapkv/options"
	"github.com/elliotcourant/snapkv/pb"
	"github.com/elliotcourant/snapkv/z"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogBatch(commitTs uint64, keys ...string) *pb.Batch {
	batch := &pb.Batch{CommitTs: commitTs}
	for _, key := range keys {
		batch.Entries = append(batch.Entries, pb.Entry{
			Key: []byte(key),
			Value: z.ValueStruct{
				Value: []byte(fmt.Sprintf("%s@%d", key, commitTs)),
			},
		})
	}
	return batch
}

func replayAll(t *testing.T, l *commitLog, mode options.ChecksumVerificationMode) []uint64 {
	commits := make([]uint64, 0)
	err := l.replay(mode, func(batch *pb.Batch, payloadOffset uint32) error {
		commits = append(commits, batch.CommitTs)
		return nil
	})
	require.NoError(t, err)
	return commits
}

func newTestLog(t *testing.T) (string, Options, *commitLog) {
	dir, err := ioutil.TempDir("", "snapkv-test")
	require.NoError(t, err)

	opts := DefaultOptions(dir)
	l, err := createCommitLog(opts, 0)
	require.NoError(t, err)

	return dir, opts, l
}

// fillLog grows the commit log until only free bytes are left below its size limit. The file is extended without
// writing anything so it stays sparse.
func fillLog(t *testing.T, l *commitLog, free int64) {
	l.lock.Lock()
	defer l.lock.Unlock()

	size := int64(maxLogSize) - free
	require.NoError(t, l.file.Truncate(size))
	_, err := l.file.Seek(0, io.SeekEnd)
	require.NoError(t, err)
	l.offset = size
}

func TestCommitLogReplay(t *testing.T) {
	dir, opts, l := newTestLog(t)
	defer removeDir(dir)

	for _, ts := range []uint64{1, 2, 5} {
		_, err := l.append(testLogBatch(ts, "a", "b").Marshal(), 2)
		require.NoError(t, err)
	}
	size := l.size()
	require.NoError(t, l.close())

	l, err := openCommitLog(opts, 0)
	require.NoError(t, err)
	defer l.close()

	keys := make([]string, 0)
	err = l.replay(options.OnReplay, func(batch *pb.Batch, payloadOffset uint32) error {
		for _, entry := range batch.Entries {
			keys = append(keys, fmt.Sprintf("%s=%s", entry.Key, entry.Value.Value))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a=a@1", "b=b@1", "a=a@2", "b=b@2", "a=a@5", "b=b@5"}, keys)
	assert.Equal(t, size, l.size())
	assert.Equal(t, 6, l.versions)
}

func TestCommitLogTornTail(t *testing.T) {
	dir, opts, l := newTestLog(t)
	defer removeDir(dir)

	for _, ts := range []uint64{1, 2} {
		_, err := l.append(testLogBatch(ts, "a").Marshal(), 1)
		require.NoError(t, err)
	}
	size := l.size()
	require.NoError(t, l.close())

	// Simulate a crash in the middle of writing a record.
	file, err := os.OpenFile(LogFilePath(dir, 0), os.O_WRONLY|os.O_APPEND, 0)
	require.NoError(t, err)
	_, err = file.Write(append(recordHeader(make([]byte, 100)), make([]byte, 10)...))
	require.NoError(t, err)
	require.NoError(t, file.Close())

	l, err = openCommitLog(opts, 0)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, replayAll(t, l, options.OnReplay))
	assert.Equal(t, size, l.size())

	stat, err := os.Stat(LogFilePath(dir, 0))
	require.NoError(t, err)
	assert.Equal(t, size, stat.Size(), "torn record should have been truncated")

	// Appending after the truncation must produce a log that replays cleanly.
	_, err = l.append(testLogBatch(3, "a").Marshal(), 1)
	require.NoError(t, err)
	require.NoError(t, l.close())

	l, err = openCommitLog(opts, 0)
	require.NoError(t, err)
	defer l.close()
	assert.Equal(t, []uint64{1, 2, 3}, replayAll(t, l, options.OnReplay))
}

func TestCommitLogBadChecksum(t *testing.T) {
	dir, opts, l := newTestLog(t)
	defer removeDir(dir)

	_, err := l.append(testLogBatch(1, "a").Marshal(), 1)
	require.NoError(t, err)
	firstRecordEnd := l.size()
	_, err = l.append(testLogBatch(2, "a").Marshal(), 1)
	require.NoError(t, err)
	require.NoError(t, l.close())

	// Flip the last byte of the file, which is the last byte of the second batch's value.
	path := LogFilePath(dir, 0)
	data, err := ioutil.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xFF
	require.NoError(t, ioutil.WriteFile(path, data, 0600))

	t.Run("no verification", func(t *testing.T) {
		l, err := openCommitLog(opts, 0)
		require.NoError(t, err)
		defer l.close()
		assert.Equal(t, []uint64{1, 2}, replayAll(t, l, options.NoVerification))
	})

	t.Run("verify on replay", func(t *testing.T) {
		l, err := openCommitLog(opts, 0)
		require.NoError(t, err)
		defer l.close()
		assert.Equal(t, []uint64{1}, replayAll(t, l, options.OnReplay))
		assert.Equal(t, firstRecordEnd, l.size())
	})
}

func TestCommitLogBadMagic(t *testing.T) {
	dir, err := ioutil.TempDir("", "snapkv-test")
	require.NoError(t, err)
	defer removeDir(dir)

	require.NoError(t, ioutil.WriteFile(LogFilePath(dir, 0), []byte("definitely not a log"), 0600))

	l, err := openCommitLog(DefaultOptions(dir), 0)
	require.NoError(t, err)
	defer l.close()

	err = l.replay(options.OnReplay, func(batch *pb.Batch, payloadOffset uint32) error {
		return nil
	})
	assert.Equal(t, errBadMagic, errors.Cause(err))
}

func TestCommitLogRead(t *testing.T) {
	dir, _, l := newTestLog(t)
	defer removeDir(dir)
	defer l.close()

	batch := testLogBatch(1, "first", "second")
	payloadOffset, err := l.append(batch.Marshal(), 2)
	require.NoError(t, err)

	offsets := batch.ValueOffsets()
	for i, entry := range batch.Entries {
		value, err := l.read(valuePointer{
			Fid:    0,
			Len:    uint32(len(entry.Value.Value)),
			Offset: payloadOffset + offsets[i],
		})
		require.NoError(t, err)
		assert.Equal(t, string(entry.Value.Value), string(value))
	}

	_, err = l.read(valuePointer{Fid: 7, Len: 1, Offset: payloadOffset})
	assert.Equal(t, errStaleValuePointer, err)

	_, err = l.read(valuePointer{Fid: 0, Len: 100, Offset: uint32(l.size())})
	assert.Error(t, err)
}

func TestCommitLogRewrite(t *testing.T) {
	dir, opts, l := newTestLog(t)
	defer removeDir(dir)

	for ts := uint64(1); ts <= 10; ts++ {
		_, err := l.append(testLogBatch(ts, "key").Marshal(), 1)
		require.NoError(t, err)
	}

	opts.LogRewriteThreshold = 5
	l.rewriteThreshold = opts.LogRewriteThreshold
	assert.False(t, l.discard(5), "not past the threshold yet")
	assert.True(t, l.discard(4))

	kept := []*pb.Batch{testLogBatch(10, "key")}
	relocated := map[int]uint32{}
	require.NoError(t, l.rewrite(kept, func(index int, payloadOffset uint32, fileId uint64) {
		assert.Equal(t, uint64(1), fileId)
		relocated[index] = payloadOffset
	}))

	require.Len(t, relocated, 1)
	assert.Equal(t, uint64(1), l.fileId)
	assert.Equal(t, 0, l.discarded)
	assert.Equal(t, 1, l.versions)

	value, err := l.read(valuePointer{
		Fid:    1,
		Len:    uint32(len("key@10")),
		Offset: relocated[0] + kept[0].ValueOffsets()[0],
	})
	require.NoError(t, err)
	assert.Equal(t, "key@10", string(value))

	ids, err := getLogFileIds(dir)
	require.NoError(t, err)
	assert.Equal(t, map[uint64]struct{}{1: {}}, ids)
	require.NoError(t, l.close())

	l, err = openCommitLog(opts, 1)
	require.NoError(t, err)
	defer l.close()
	assert.Equal(t, []uint64{10}, replayAll(t, l, options.OnReplay))
}

func TestCommitLogAppend_SizeLimit(t *testing.T) {
	dir, _, l := newTestLog(t)
	defer removeDir(dir)
	defer l.close()

	fillLog(t, l, 64)
	nearlyFull := l.size()

	_, err := l.append(make([]byte, 100), 1)
	assert.Equal(t, ErrLogFull, errors.Cause(err))
	assert.Equal(t, nearlyFull, l.size())

	stat, err := l.file.Stat()
	require.NoError(t, err)
	assert.Equal(t, nearlyFull, stat.Size(), "a record that doesn't fit is not written")

	payload := bytes.Repeat([]byte("v"), 40)
	payloadOffset, err := l.append(payload, 1)
	require.NoError(t, err)
	assert.Equal(t, nearlyFull+recordHeaderSize, int64(payloadOffset))

	value, err := l.read(valuePointer{Fid: 0, Len: uint32(len(payload)), Offset: payloadOffset})
	require.NoError(t, err)
	assert.Equal(t, payload, value)

	// 16 bytes are left, a record needs 8 of them for its header.
	_, err = l.append(make([]byte, 9), 1)
	assert.Equal(t, ErrLogFull, errors.Cause(err))

	last := []byte("12345678")
	payloadOffset, err = l.append(last, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(maxLogSize), l.size())
	assert.Equal(t, uint32(maxLogSize-len(last)), payloadOffset)

	value, err = l.read(valuePointer{Fid: 0, Len: uint32(len(last)), Offset: payloadOffset})
	require.NoError(t, err)
	assert.Equal(t, last, value)
}
