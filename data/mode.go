package data

// FileMode represents file mode and permission bits.
// It follows Unix file mode conventions with type and permission bits.
type FileMode uint32

// File mode constants for type and permission bits.
// These match Unix file mode semantics.
const (
	// Type bits
	ModeDir     FileMode = 1 << 31 // d: directory
	ModeSymlink FileMode = 1 << 30 // L: symbolic link

	// Permission bits
	ModePerm FileMode = 0777 // Unix permission bits
)

// IsDir reports whether m describes a directory.
func (m FileMode) IsDir() bool {
	return m&ModeDir != 0
}

// IsRegular reports whether m describes a regular file.
func (m FileMode) IsRegular() bool {
	return m&(ModeDir|ModeSymlink) == 0
}

// Perm returns the Unix permission bits in m (the lower 9 bits).
func (m FileMode) Perm() FileMode {
	return m & ModePerm
}
