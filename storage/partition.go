package storage

import (
	"bytes"
	"sync"

	rz "github.com/dgraph-io/ristretto/z"
	"github.com/elliotcourant/snapkv/z"
	"github.com/emirpasic/gods/maps/treemap"
	"github.com/spaolacci/murmur3"
)

type (
	// partition is one slice of the version index. Every version of a key lives in the same partition, ordered by
	// key and then from the newest version to the oldest.
	partition struct {
		sync.RWMutex
		id       int
		versions *treemap.Map

		// bloomFilter contains every key that has ever been written to the partition. Keys are never removed from
		// it, so it can only be used to skip looking for keys that were never written.
		bloomFilter *rz.Bloom
	}
)

func keyHash(key []byte) uint64 {
	return murmur3.Sum64(key)
}

func compareVersionKeys(a, b interface{}) int {
	return z.CompareKeys(a.([]byte), b.([]byte))
}

func newPartition(id int, expectedKeys int) *partition {
	if expectedKeys < 1 {
		expectedKeys = 1
	}

	return &partition{
		id:          id,
		versions:    treemap.NewWith(compareVersionKeys),
		bloomFilter: rz.NewBloomFilter(float64(expectedKeys), 0.01),
	}
}

// put stores a version of the key. The version is the value's Version.
func (p *partition) put(key []byte, value z.ValueStruct) {
	p.Lock()
	defer p.Unlock()

	p.versions.Put(z.KeyWithTs(key, value.Version), value)
	p.bloomFilter.Add(keyHash(key))
}

// get returns the newest version of the key that is not newer than ts.
func (p *partition) get(key []byte, ts uint64) (z.ValueStruct, bool) {
	p.RLock()
	defer p.RUnlock()

	if !p.bloomFilter.Has(keyHash(key)) {
		return z.ValueStruct{}, false
	}

	// Versions are sorted newest first, so the first entry at or after this key is the newest version at or before
	// ts. It might belong to the next key though.
	seek := z.KeyWithTs(key, ts)
	found, value := p.versions.Ceiling(seek)
	if found == nil || !z.SameKey(seek, found.([]byte)) {
		return z.ValueStruct{}, false
	}

	return value.(z.ValueStruct), true
}

// discard removes every version that can no longer be read by a snapshot at or after safeTs. For each key the
// versions newer than safeTs are kept along with the newest version at or below it, unless that version is a
// tombstone or has expired. It returns the number of versions that were removed.
func (p *partition) discard(safeTs uint64) int {
	p.Lock()
	defer p.Unlock()

	drop := make([][]byte, 0)
	var current []byte
	settled := false

	iterator := p.versions.Iterator()
	for iterator.Next() {
		versionKey := iterator.Key().([]byte)
		key := z.ParseKey(versionKey)
		if current == nil || !bytes.Equal(key, current) {
			current = key
			settled = false
		}

		if z.ParseTs(versionKey) > safeTs {
			continue
		}

		if settled {
			drop = append(drop, versionKey)
			continue
		}

		// This is the version a snapshot at safeTs reads, anything older is shadowed by it.
		settled = true
		value := iterator.Value().(z.ValueStruct)
		if value.IsDeletedOrExpired() {
			drop = append(drop, versionKey)
		}
	}

	for _, versionKey := range drop {
		p.versions.Remove(versionKey)
	}

	return len(drop)
}

// each calls fn for every version in the partition in order. The partition is read locked for the duration, fn must
// not call back into the partition.
func (p *partition) each(fn func(key []byte, value z.ValueStruct)) {
	p.RLock()
	defer p.RUnlock()

	iterator := p.versions.Iterator()
	for iterator.Next() {
		fn(z.ParseKey(iterator.Key().([]byte)), iterator.Value().(z.ValueStruct))
	}
}

// size returns the number of versions in the partition.
func (p *partition) size() int {
	p.RLock()
	defer p.RUnlock()

	return p.versions.Size()
}
