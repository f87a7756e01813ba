package data

import (
	"time"

	"github.com/google/uuid"
)

// NewFileInfo creates the initial version of a file record.
func NewFileInfo(path string, mode FileMode, size int64) *FileInfo {
	now := time.Now()

	return &FileInfo{
		FileMetadata: FileMetadata{
			ID:          genFileID(),
			Path:        path,
			Mode:        mode,
			Size:        size,
			CreateTime:  now,
			ModifyTime:  now,
			AccessTime:  now,
			ContentType: string(DetectContentType(path)),
			Attributes:  make(map[string]string),
		},
		Version: 1,
	}
}

// NewDirectoryInfo creates the record for an explicitly created,
// possibly empty directory.
func NewDirectoryInfo(path string, mode FileMode) *FileInfo {
	info := NewFileInfo(path, mode|ModeDir, 0)
	info.IsDirectory = true
	info.ContentType = ""

	return info
}

func genFileID() string {
	return uuid.Must(uuid.NewV7()).String()
}
