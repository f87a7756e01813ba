package data

import (
	"encoding/json"
	"path"
)

// FileInfo is the primary metadata record for a file: its metadata
// plus the ordered chunk list, the replica node set and a version
// that strictly increases on every committed write.
type FileInfo struct {
	FileMetadata

	// Ordered chunk ids making up the file content
	Chunks []ChunkID `json:"chunks,omitempty"`

	// Nodes holding replicas of this file
	Replicas []string `json:"replicas,omitempty"`

	// Monotonically increasing write version
	Version int64 `json:"version"`
}

// Marshal provides JSON serialization for FileInfo.
func (fi *FileInfo) Marshal() ([]byte, error) {
	return json.Marshal(fi)
}

// Unmarshal provides JSON deserialization for FileInfo.
func (fi *FileInfo) Unmarshal(b []byte) error {
	return json.Unmarshal(b, fi)
}

// Clone creates a deep copy of the record.
func (fi *FileInfo) Clone() *FileInfo {
	clone := *fi

	if fi.Attributes != nil {
		clone.Attributes = make(map[string]string, len(fi.Attributes))
		for k, v := range fi.Attributes {
			clone.Attributes[k] = v
		}
	}

	clone.Chunks = append([]ChunkID(nil), fi.Chunks...)
	clone.Replicas = append([]string(nil), fi.Replicas...)

	return &clone
}

// Name returns the base name of the file or directory.
func (fi *FileInfo) Name() string {
	return path.Base(fi.Path)
}

// Dir returns the directory portion of the path.
func (fi *FileInfo) Dir() string {
	return path.Dir(fi.Path)
}

// Ext returns the file extension including the dot.
func (fi *FileInfo) Ext() string {
	return path.Ext(fi.Path)
}
