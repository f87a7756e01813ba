package data

import "time"

// StorageInfo reports capacity and usage of a chunk store.
type StorageInfo struct {
	TotalSpace     int64 `json:"total_space"`
	UsedSpace      int64 `json:"used_space"`
	AvailableSpace int64 `json:"available_space"`
	ChunkCount     int64 `json:"chunk_count"`

	// When the figures were gathered
	CollectedAt time.Time `json:"collected_at"`
}

// Inconsistency describes one dangling secondary-index entry found
// by a metadata consistency scan.
type Inconsistency struct {
	// Index the dangling entry lives in (file-id, chunk, attribute)
	Index string `json:"index"`

	// Key of the dangling entry
	Key string `json:"key"`

	// Primary record the entry points at
	Target string `json:"target"`

	Detail string `json:"detail,omitempty"`
}
