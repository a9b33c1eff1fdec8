package index

// HashKind discriminates the two shapes a cloud-side content hash can take:
// providers either hand back an opaque string digest (SHA-256, Dropbox
// content_hash) or a numeric checksum (QuickXorHash folded to a 64-bit
// value). Modeling both branches as one struct keeps FileLink free of
// provider-specific fields.
type HashKind string

const (
	HashKindNone HashKind = ""
	HashKindStr  HashKind = "str"
	HashKindNum  HashKind = "num"
)

// Hash is a tagged union over a string-valued or numeric cloud hash.
type Hash struct {
	Kind HashKind
	Str  string
	Num  uint64
}

// StrHash builds a string-variant Hash.
func StrHash(s string) Hash {
	return Hash{Kind: HashKindStr, Str: s}
}

// NumHash builds a numeric-variant Hash.
func NumHash(n uint64) Hash {
	return Hash{Kind: HashKindNum, Num: n}
}

// IsZero reports whether no hash has been recorded.
func (h Hash) IsZero() bool {
	return h.Kind == HashKindNone
}

// Equal compares two Hash values for equality, treating mismatched kinds as
// unequal even when one side is the zero value of the other's field.
func (h Hash) Equal(other Hash) bool {
	if h.Kind != other.Kind {
		return false
	}
	switch h.Kind {
	case HashKindStr:
		return h.Str == other.Str
	case HashKindNum:
		return h.Num == other.Num
	default:
		return true
	}
}

// FileRecord is the canonical row for one local-filesystem object: a file or
// directory identified by its relative path beneath the sync root. It holds
// the local-side view of the object; per-cloud state lives in FileLink rows
// keyed by GlobalID.
type FileRecord struct {
	GlobalID    string
	RelPath     string
	FileID      string // OS file-id (device:inode or platform equivalent), empty until first scan
	IsDir       bool
	Size        int64
	LocalMtime  int64 // unix nanoseconds
	LocalHash   uint64
	LocalHashOK bool
	Deleted     bool
	UpdatedUnix int64
}

// FileLink is the per-cloud counterpart of a FileRecord: the cloud-side
// identity, hash, and sync state for one (file, cloud) pair.
type FileLink struct {
	GlobalID     string
	CloudID      string
	CloudFileID  string
	CloudHash    Hash
	CloudMtime   int64
	Synced       bool
}

// Addressing distinguishes providers that address objects by opaque parent-
// relative ID (Graph-like) from providers that address by full path
// (Dropbox-like).
type Addressing string

const (
	AddressingParentID Addressing = "parent_id"
	AddressingPath     Addressing = "path"
)

// CloudConfig is one configured cloud-storage account.
type CloudConfig struct {
	CloudID         string
	Provider        string
	DisplayName     string
	RootPath        string
	Addressing      Addressing
	TokenJSON       string
	DeltaToken      string
	Quarantined     bool
	InitialSyncDone bool
	CreatedUnix     int64
}

// Metadata is a single opaque key/value row for store-wide bookkeeping
// (schema markers, last-run timestamps) that does not warrant its own table.
type Metadata struct {
	Key   string
	Value string
}
