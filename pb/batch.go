package pb

import (
	"encoding/binary"
	"fmt"

	"github.com/elliotcourant/snapkv/z"
)

const (
	// BatchHeaderSize is a static size. This is how many bytes a Batch consumes before its first entry.
	BatchHeaderSize = 0 + // Simply here to align the other items.
		8 + // CommitTs (uint64 - 8 bytes)
		4 // Number of entries (uint32 - 4 bytes)

	// entryHeaderSize is the number of bytes each entry consumes in front of its key.
	entryHeaderSize = 0 +
		4 + // Key length (uint32 - 4 bytes)
		4 // Encoded ValueStruct length (uint32 - 4 bytes)
)

type (
	// Entry is a single write inside of a Batch. The Key is the user key without any version suffix, the version of
	// every entry is the CommitTs of the batch it belongs to.
	Entry struct {
		Key   []byte
		Value z.ValueStruct
	}

	// Batch represents a group of entries that were committed together by a single transaction. A batch must be
	// applied atomically, all entries share the same commit timestamp.
	Batch struct {
		CommitTs uint64
		Entries  []Entry
	}
)

// Size returns the number of bytes the batch will use once it has been marshalled.
func (b *Batch) Size() int {
	size := BatchHeaderSize
	for i := range b.Entries {
		size += entryHeaderSize + len(b.Entries[i].Key) + int(b.Entries[i].Value.EncodedSize())
	}

	return size
}

// Marshal encodes the batch into a single byte array.
func (b *Batch) Marshal() []byte {
	buf := make([]byte, b.Size())

	binary.BigEndian.PutUint64(buf[0:8], b.CommitTs)
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(b.Entries)))

	i := BatchHeaderSize
	for _, entry := range b.Entries {
		binary.BigEndian.PutUint32(buf[i:i+4], uint32(len(entry.Key)))
		i += 4

		valueSize := int(entry.Value.EncodedSize())
		binary.BigEndian.PutUint32(buf[i:i+4], uint32(valueSize))
		i += 4

		copy(buf[i:i+len(entry.Key)], entry.Key)
		i += len(entry.Key)

		entry.Value.Marshal(buf[i : i+valueSize])
		i += valueSize
	}

	return buf
}

// ValueOffsets returns the offset of each entry's raw value bytes within the marshalled batch. This lets a caller
// that has written the batch somewhere read a single value back without decoding the whole batch.
func (b *Batch) ValueOffsets() []uint32 {
	offsets := make([]uint32, len(b.Entries))

	i := uint32(BatchHeaderSize)
	for n, entry := range b.Entries {
		i += entryHeaderSize + uint32(len(entry.Key))
		offsets[n] = i + entry.Value.ValueOffset()
		i += entry.Value.EncodedSize()
	}

	return offsets
}

// Unmarshal decodes a batch from src. Keys and values of the decoded entries reference src, they are not copied.
func (b *Batch) Unmarshal(src []byte) error {
	// If the provided bytes aren't long enough to decode the header then we can fail early.
	if len(src) < BatchHeaderSize {
		return fmt.Errorf(
			"cannot unmarshal Batch, buffer is too small. Need: %d Got: %d",
			BatchHeaderSize,
			len(src),
		)
	}

	b.CommitTs = binary.BigEndian.Uint64(src[0:8])
	count := binary.BigEndian.Uint32(src[8:12])

	// Every entry needs at least its header and an empty ValueStruct, checking this up front keeps a corrupt count
	// from causing a huge allocation.
	minimumSize := uint64(BatchHeaderSize) + uint64(count)*uint64(entryHeaderSize+z.ValueStructHeaderSize)
	if uint64(len(src)) < minimumSize {
		return fmt.Errorf(
			"cannot unmarshal Batch with %d entries, source is too short. expected at least: %d got: %d",
			count,
			minimumSize,
			len(src),
		)
	}

	b.Entries = make([]Entry, count)

	i := BatchHeaderSize
	for n := uint32(0); n < count; n++ {
		if len(src) < i+entryHeaderSize {
			return fmt.Errorf("cannot unmarshal Batch, entry %d header is truncated", n)
		}

		keySize := int(binary.BigEndian.Uint32(src[i : i+4]))
		i += 4

		valueSize := int(binary.BigEndian.Uint32(src[i : i+4]))
		i += 4

		if valueSize < z.ValueStructHeaderSize || len(src) < i+keySize+valueSize {
			return fmt.Errorf(
				"cannot unmarshal Batch, entry %d is truncated. key: %d value: %d remaining: %d",
				n,
				keySize,
				valueSize,
				len(src)-i,
			)
		}

		b.Entries[n].Key = src[i : i+keySize]
		i += keySize

		b.Entries[n].Value.Unmarshal(src[i : i+valueSize])
		b.Entries[n].Value.Version = b.CommitTs
		i += valueSize
	}

	return nil
}
