package options

// ChecksumVerificationMode tells when the commit log checksums should be verified.
type ChecksumVerificationMode int

const (
	// NoVerification indicates that records are trusted as they are read back from the commit log.
	NoVerification ChecksumVerificationMode = iota
	// OnReplay indicates that every record's checksum is verified while the commit log is replayed on open. A record
	// that fails verification ends the replay and everything after it is truncated.
	OnReplay
)

// String returns the name of the verification mode.
func (c ChecksumVerificationMode) String() string {
	switch c {
	case NoVerification:
		return "NoVerification"
	case OnReplay:
		return "OnReplay"
	default:
		return "Unknown"
	}
}

// SyncMode specifies when writes to the commit log are flushed to stable storage.
type SyncMode int

const (
	// SyncNever leaves flushing up to the operating system. A crash can lose recently committed transactions.
	SyncNever SyncMode = iota
	// SyncOnCommit flushes the commit log before a commit is acknowledged.
	SyncOnCommit
)

// String returns the name of the sync mode.
func (s SyncMode) String() string {
	switch s {
	case SyncNever:
		return "SyncNever"
	case SyncOnCommit:
		return "SyncOnCommit"
	default:
		return "Unknown"
	}
}
