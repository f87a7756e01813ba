package chunkfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/mwantia/chunkfs/data"
)

// AccessMode controls which operations a file handle permits.
type AccessMode int

const (
	ReadOnly AccessMode = iota
	WriteOnly
	ReadWrite
)

// File is a buffered handle over one file. Reads operate on a
// snapshot loaded at open time; writes accumulate in the buffer and
// reach storage on Flush or Close.
//
// The handle keeps a non-owning reference to its file system,
// resolved at call time: once the file system is closed every
// operation fails with ErrBackendUnavailable.
type File struct {
	mu sync.Mutex

	vfs  *VirtualFileSystem
	path string
	mode AccessMode

	buf    []byte
	offset int64
	dirty  bool
	closed bool
}

// OpenFile opens a handle on path. Opening an existing file loads
// its content; opening a missing file is only valid with write
// access and starts from an empty buffer.
func (v *VirtualFileSystem) OpenFile(ctx context.Context, path string, mode AccessMode) (*File, error) {
	abs, err := data.ToAbsolutePath(path)
	if err != nil {
		return nil, err
	}
	if err := v.guard(); err != nil {
		return nil, err
	}

	file := &File{
		vfs:  v,
		path: abs,
		mode: mode,
	}

	content, err := v.ReadFile(ctx, abs)
	switch {
	case err == nil:
		file.buf = content
	case errors.Is(err, data.ErrNotExist) && mode != ReadOnly:
		file.buf = []byte{}
	default:
		return nil, err
	}

	return file, nil
}

// Read reads up to len(p) bytes at the current offset.
func (f *File) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.guard(); err != nil {
		return 0, err
	}
	if f.mode == WriteOnly {
		return 0, fmt.Errorf("%w: handle is write-only", data.ErrPermission)
	}

	if f.offset >= int64(len(f.buf)) {
		return 0, io.EOF
	}

	n := copy(p, f.buf[f.offset:])
	f.offset += int64(n)
	return n, nil
}

// Write writes len(p) bytes at the current offset, growing the
// buffer as needed. The data reaches storage on Flush or Close.
func (f *File) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.guard(); err != nil {
		return 0, err
	}
	if f.mode == ReadOnly {
		return 0, fmt.Errorf("%w: handle is read-only", data.ErrPermission)
	}

	end := f.offset + int64(len(p))
	if end > int64(len(f.buf)) {
		grown := make([]byte, end)
		copy(grown, f.buf)
		f.buf = grown
	}

	copy(f.buf[f.offset:], p)
	f.offset = end
	f.dirty = true
	return len(p), nil
}

// Seek sets the offset for the next Read or Write.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.guard(); err != nil {
		return 0, err
	}

	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = f.offset + offset
	case io.SeekEnd:
		next = int64(len(f.buf)) + offset
	default:
		return 0, fmt.Errorf("%w: invalid whence %d", data.ErrInvalid, whence)
	}

	if next < 0 {
		return 0, fmt.Errorf("%w: negative offset", data.ErrInvalid)
	}

	f.offset = next
	return next, nil
}

// Truncate resizes the buffer to size bytes.
func (f *File) Truncate(size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.guard(); err != nil {
		return err
	}
	if f.mode == ReadOnly {
		return fmt.Errorf("%w: handle is read-only", data.ErrPermission)
	}
	if size < 0 {
		return fmt.Errorf("%w: negative size", data.ErrInvalid)
	}

	if size <= int64(len(f.buf)) {
		f.buf = f.buf[:size]
	} else {
		grown := make([]byte, size)
		copy(grown, f.buf)
		f.buf = grown
	}

	f.dirty = true
	return nil
}

// Flush commits buffered writes as a new file version.
func (f *File) Flush(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.flushLocked(ctx)
}

// Close flushes pending writes and invalidates the handle.
func (f *File) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return fmt.Errorf("%w: handle already closed", data.ErrClosed)
	}

	err := f.flushLocked(ctx)
	f.closed = true
	return err
}

// Size returns the current buffer length.
func (f *File) Size() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	return int64(len(f.buf))
}

// Path returns the absolute path the handle was opened on.
func (f *File) Path() string {
	return f.path
}

func (f *File) guard() error {
	if f.closed {
		return fmt.Errorf("%w: handle is closed", data.ErrClosed)
	}

	// Resolve the back-reference at call time
	return f.vfs.guard()
}

func (f *File) flushLocked(ctx context.Context) error {
	if err := f.guard(); err != nil {
		return err
	}
	if !f.dirty {
		return nil
	}

	if _, err := f.vfs.WriteFile(ctx, f.path, f.buf); err != nil {
		return err
	}

	f.dirty = false
	return nil
}
