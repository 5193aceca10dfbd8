package pb

import (
	"testing"

	"github.com/elliotcourant/snapkv/z"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBatch() Batch {
	return Batch{
		CommitTs: 6,
		Entries: []Entry{
			{
				Key: []byte("a"),
				Value: z.ValueStruct{
					Value:   []byte("1"),
					Version: 6,
				},
			},
			{
				Key: []byte("deleted"),
				Value: z.ValueStruct{
					Meta:    z.BitDelete,
					Version: 6,
				},
			},
			{
				Key: []byte("with ttl"),
				Value: z.ValueStruct{
					UserMeta:  0x7,
					ExpiresAt: 1893456000,
					Value:     []byte("expiring value"),
					Version:   6,
				},
			},
		},
	}
}

func TestBatch_Marshal_Unmarshal(t *testing.T) {
	batch := testBatch()
	encoded := batch.Marshal()
	assert.Len(t, encoded, batch.Size())

	result := Batch{}
	require.NoError(t, result.Unmarshal(encoded))
	require.Len(t, result.Entries, len(batch.Entries))
	assert.Equal(t, batch.CommitTs, result.CommitTs)
	for i := range batch.Entries {
		assert.Equal(t, batch.Entries[i].Key, result.Entries[i].Key)
		assert.Equal(t, batch.Entries[i].Value.Meta, result.Entries[i].Value.Meta)
		assert.Equal(t, batch.Entries[i].Value.UserMeta, result.Entries[i].Value.UserMeta)
		assert.Equal(t, batch.Entries[i].Value.ExpiresAt, result.Entries[i].Value.ExpiresAt)
		assert.Equal(t, batch.Entries[i].Value.Version, result.Entries[i].Value.Version)
		assert.Equal(t, string(batch.Entries[i].Value.Value), string(result.Entries[i].Value.Value))
	}
}

func TestBatch_ValueOffsets(t *testing.T) {
	batch := testBatch()
	encoded := batch.Marshal()

	offsets := batch.ValueOffsets()
	require.Len(t, offsets, len(batch.Entries))
	for i, offset := range offsets {
		value := batch.Entries[i].Value.Value
		assert.Equal(t, string(value), string(encoded[offset:offset+uint32(len(value))]))
	}
}

func TestBatch_Unmarshal_Invalid(t *testing.T) {
	t.Run("too short", func(t *testing.T) {
		result := Batch{}
		assert.Error(t, result.Unmarshal([]byte{0x00, 0x01}))
	})

	t.Run("truncated entries", func(t *testing.T) {
		batch := testBatch()
		encoded := batch.Marshal()

		result := Batch{}
		assert.Error(t, result.Unmarshal(encoded[:len(encoded)-5]))
	})

	t.Run("bad count", func(t *testing.T) {
		batch := testBatch()
		encoded := batch.Marshal()
		encoded[8] = 0xFF

		result := Batch{}
		assert.Error(t, result.Unmarshal(encoded))
	})
}
