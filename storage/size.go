package storage

type (
	// Size describes how much a store is holding.
	Size struct {
		// LogSize stores the size of the commit log in bytes. It is zero for an in memory store.
		LogSize int64

		// Versions is the number of versions in the version index, including tombstones.
		Versions int64
	}
)
