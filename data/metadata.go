package data

import "time"

// Well-known attribute keys stored in FileMetadata.Attributes.
const (
	// Encoding (s2, gzip, etc.)
	AttributeContentEncoding = "content-encoding"
	// Content checksum
	AttributeChecksum = "checksum"
	// Version number or string
	AttributeVersion = "version"
	// Access control list
	AttributeACL = "acl"
	// Whether content is encrypted
	AttributeEncrypted = "encrypted"
)

// FileMetadata describes a single entry in the flat virtual path
// keyspace. After a successful flush, Size must equal the sum of the
// sizes of the chunks referenced by the owning FileInfo.
type FileMetadata struct {
	// Unique file identifier (uuid v7)
	ID string `json:"id"`

	// Absolute virtual path
	Path string `json:"path"`

	// Unix-style mode and permissions
	Mode FileMode `json:"mode"`

	// Size in bytes (0 for directories)
	Size int64 `json:"size"`

	CreateTime time.Time `json:"create_time"`
	ModifyTime time.Time `json:"modify_time"`
	AccessTime time.Time `json:"access_time"`

	// Whole-file checksum (hex sha256)
	Checksum string `json:"checksum,omitempty"`

	// MIME type detected from the path
	ContentType string `json:"content_type,omitempty"`

	// Free-form custom attributes
	Attributes map[string]string `json:"attributes,omitempty"`

	IsDirectory bool `json:"is_directory"`
}

// GetAttribute safely retrieves an attribute with a default value.
func (m *FileMetadata) GetAttribute(key string, defaultValue string) string {
	if m.Attributes == nil {
		return defaultValue
	}

	if value, exists := m.Attributes[key]; exists {
		return value
	}

	return defaultValue
}

// SetAttribute safely sets an attribute, initializing the map if needed.
func (m *FileMetadata) SetAttribute(key, value string) {
	if m.Attributes == nil {
		m.Attributes = make(map[string]string)
	}

	m.Attributes[key] = value
	m.ModifyTime = time.Now()
}

// DeleteAttribute removes an attribute key.
func (m *FileMetadata) DeleteAttribute(key string) {
	if m.Attributes != nil {
		delete(m.Attributes, key)
		m.ModifyTime = time.Now()
	}
}

// HasAttribute checks if an attribute key exists.
func (m *FileMetadata) HasAttribute(key string) bool {
	if m.Attributes == nil {
		return false
	}

	_, exists := m.Attributes[key]
	return exists
}
