package chunk

import (
	"fmt"
	"sort"

	"github.com/mwantia/chunkfs/data"
)

// DefaultChunkSize is used when a manager is created without an
// explicit chunk size.
const DefaultChunkSize = 1024 * 1024 // 1 MiB

// Manager splits byte buffers into content-addressed chunks and
// reassembles them. It is pure, stateless computation: no storage is
// touched by any of its operations.
type Manager struct {
	chunkSize int
}

// NewManager creates a chunk manager with the given chunk size.
// Sizes below one fall back to DefaultChunkSize.
func NewManager(chunkSize int) *Manager {
	if chunkSize < 1 {
		chunkSize = DefaultChunkSize
	}

	return &Manager{chunkSize: chunkSize}
}

// ChunkSize returns the configured chunk size.
func (m *Manager) ChunkSize() int {
	return m.chunkSize
}

// Split partitions buf into contiguous chunks of at most chunkSize
// bytes; the last chunk may be smaller. Empty input yields an empty
// chunk list. Each chunk records its sequence index, byte offset and
// the total original size, and is content-addressed by the SHA-256 of
// its uncompressed bytes.
func (m *Manager) Split(buf []byte, chunkSize int) ([]*data.Chunk, error) {
	if chunkSize < 1 {
		return nil, fmt.Errorf("%w: chunk size must be at least 1", data.ErrInvalid)
	}

	if len(buf) == 0 {
		return []*data.Chunk{}, nil
	}

	total := int64(len(buf))
	chunks := make([]*data.Chunk, 0, (len(buf)+chunkSize-1)/chunkSize)

	for offset := 0; offset < len(buf); offset += chunkSize {
		end := offset + chunkSize
		if end > len(buf) {
			end = len(buf)
		}

		piece := make([]byte, end-offset)
		copy(piece, buf[offset:end])

		chunk := &data.Chunk{
			ID:        data.HashBytes(piece),
			Data:      piece,
			Size:      int64(len(piece)),
			Index:     len(chunks),
			Offset:    int64(offset),
			TotalSize: total,
		}

		// Compression is applied after hashing, so the content
		// address always refers to the uncompressed bytes.
		if compressed, ok := maybeCompress(piece); ok {
			chunk.Data = compressed
			chunk.Compressed = true
		}

		chunks = append(chunks, chunk)
	}

	return chunks, nil
}

// Reassemble reconstructs the original byte stream from a chunk list.
// The input may be shuffled; chunks are ordered by their recorded
// index. A gap or duplicate in the index sequence, or any chunk
// failing its integrity check, fails with ErrCorrupted.
func (m *Manager) Reassemble(chunks []*data.Chunk) ([]byte, error) {
	return m.ReassembleWithLimit(chunks, 0)
}

// ReassembleWithLimit behaves like Reassemble but fails with
// ErrInvalid once the reassembled output would exceed maxSize bytes.
// A maxSize of 0 disables the limit.
func (m *Manager) ReassembleWithLimit(chunks []*data.Chunk, maxSize int64) ([]byte, error) {
	if len(chunks) == 0 {
		return []byte{}, nil
	}

	ordered := make([]*data.Chunk, len(chunks))
	copy(ordered, chunks)

	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].Index < ordered[j].Index
	})

	var out []byte
	for want, chunk := range ordered {
		if chunk.Index != want {
			return nil, fmt.Errorf("%w: chunk sequence broken at index %d (got %d)",
				data.ErrCorrupted, want, chunk.Index)
		}

		payload, err := m.VerifyChunk(chunk)
		if err != nil {
			return nil, err
		}

		if maxSize > 0 && int64(len(out))+int64(len(payload)) > maxSize {
			return nil, fmt.Errorf("%w: reassembled size exceeds limit of %d bytes",
				data.ErrInvalid, maxSize)
		}

		out = append(out, payload...)
	}

	return out, nil
}

// VerifyChunk checks a chunk's integrity and returns its uncompressed
// payload. A payload whose hash no longer matches the chunk id fails
// with ErrCorrupted.
func (m *Manager) VerifyChunk(chunk *data.Chunk) ([]byte, error) {
	payload := chunk.Data

	if chunk.Compressed {
		decompressed, err := decompress(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: chunk %s failed to decompress: %v",
				data.ErrCorrupted, chunk.ID.Prefix(12), err)
		}
		payload = decompressed
	}

	if data.HashBytes(payload) != chunk.ID {
		return nil, fmt.Errorf("%w: chunk %s failed integrity check",
			data.ErrCorrupted, chunk.ID.Prefix(12))
	}

	return payload, nil
}

// Deduplicate returns the unique chunk ids in first-seen order.
// It is informational only and does not mutate storage.
func (m *Manager) Deduplicate(chunks []*data.Chunk) []data.ChunkID {
	seen := make(map[data.ChunkID]struct{}, len(chunks))
	unique := make([]data.ChunkID, 0, len(chunks))

	for _, chunk := range chunks {
		if _, exists := seen[chunk.ID]; exists {
			continue
		}

		seen[chunk.ID] = struct{}{}
		unique = append(unique, chunk.ID)
	}

	return unique
}

// Analyze summarizes a chunk list: sizes before and after chunking,
// the achieved compression ratio and the savings deduplication would
// yield. Informational only.
func (m *Manager) Analyze(chunks []*data.Chunk) data.ChunkAnalysis {
	analysis := data.ChunkAnalysis{
		TotalChunks: len(chunks),
	}

	seen := make(map[data.ChunkID]int64, len(chunks))
	for _, chunk := range chunks {
		analysis.OriginalSize += chunk.Size
		analysis.ChunkedSize += int64(len(chunk.Data))

		if _, exists := seen[chunk.ID]; !exists {
			seen[chunk.ID] = int64(len(chunk.Data))
		} else {
			analysis.DedupSavings += int64(len(chunk.Data))
		}
	}

	analysis.UniqueChunks = len(seen)

	if analysis.OriginalSize > 0 {
		analysis.CompressionRatio = float64(analysis.ChunkedSize) / float64(analysis.OriginalSize)
	}

	return analysis
}
