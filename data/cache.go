package data

import (
	"fmt"
	"strings"
	"time"
)

// CacheKeyKind identifies the class of value a cache key refers to.
type CacheKeyKind int

const (
	KeyFileMetadata     CacheKeyKind = iota // FileInfo cached by path
	KeyFileData                             // Whole-file content cached by file id
	KeyChunkData                            // Chunk payload cached by chunk id
	KeyDirectoryListing                     // Directory listing cached by path
)

// String returns the tag used in the canonical key form.
func (k CacheKeyKind) String() string {
	switch k {
	case KeyFileMetadata:
		return "meta"
	case KeyFileData:
		return "file"
	case KeyChunkData:
		return "chunk"
	case KeyDirectoryListing:
		return "dir"
	}
	return "unknown"
}

// CacheKey is a tagged cache key. Each (Kind, Ref) pair uniquely
// identifies one cached value class.
type CacheKey struct {
	Kind CacheKeyKind `json:"kind"`
	Ref  string       `json:"ref"`
}

// FileMetadataKey builds a key for a cached FileInfo.
func FileMetadataKey(path string) CacheKey {
	return CacheKey{Kind: KeyFileMetadata, Ref: path}
}

// FileDataKey builds a key for cached whole-file content.
func FileDataKey(fileID string) CacheKey {
	return CacheKey{Kind: KeyFileData, Ref: fileID}
}

// ChunkDataKey builds a key for a cached chunk payload.
func ChunkDataKey(id ChunkID) CacheKey {
	return CacheKey{Kind: KeyChunkData, Ref: string(id)}
}

// DirectoryListingKey builds a key for a cached directory listing.
func DirectoryListingKey(path string) CacheKey {
	return CacheKey{Kind: KeyDirectoryListing, Ref: path}
}

// String returns the canonical form used as the tier-level key.
func (k CacheKey) String() string {
	return fmt.Sprintf("%s:%s", k.Kind, k.Ref)
}

// ParseCacheKey parses the canonical "kind:ref" form back into a
// CacheKey. The inverse of String.
func ParseCacheKey(s string) (CacheKey, error) {
	tag, ref, found := strings.Cut(s, ":")
	if !found {
		return CacheKey{}, fmt.Errorf("%w: malformed cache key '%s'", ErrInvalid, s)
	}

	var kind CacheKeyKind
	switch tag {
	case "meta":
		kind = KeyFileMetadata
	case "file":
		kind = KeyFileData
	case "chunk":
		kind = KeyChunkData
	case "dir":
		kind = KeyDirectoryListing
	default:
		return CacheKey{}, fmt.Errorf("%w: unknown cache key kind '%s'", ErrInvalid, tag)
	}

	return CacheKey{Kind: kind, Ref: ref}, nil
}

// WritebackPriority orders dirty entries for the write-back pass.
type WritebackPriority int

const (
	PriorityLow WritebackPriority = iota
	PriorityNormal
	PriorityHigh
)

// CacheEntry is a value held in a cache tier together with the
// bookkeeping the eviction and write-back policies operate on.
// A dirty entry must never be evicted before it has been written back.
type CacheEntry struct {
	Value []byte `json:"value"`

	CreateTime  time.Time `json:"create_time"`
	AccessTime  time.Time `json:"access_time"`
	AccessCount int64     `json:"access_count"`

	// Size of Value in bytes
	Size int64 `json:"size"`

	// Whether the entry holds unflushed data
	Dirty bool `json:"dirty"`

	// Urgency hint for the write-back pass
	Priority WritebackPriority `json:"priority"`

	// When the entry was last written back
	LastWrite time.Time `json:"last_write"`
}

// NewCacheEntry creates an entry for a freshly cached value.
func NewCacheEntry(value []byte) *CacheEntry {
	now := time.Now()

	return &CacheEntry{
		Value:      value,
		CreateTime: now,
		AccessTime: now,
		Size:       int64(len(value)),
		Priority:   PriorityNormal,
	}
}

// Touch records an access for recency/frequency based policies.
func (e *CacheEntry) Touch() {
	e.AccessTime = time.Now()
	e.AccessCount++
}
