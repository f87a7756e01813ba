package chunk

import (
	"github.com/klauspost/compress/s2"
)

const (
	// Minimum payload size worth compressing
	compressThreshold = 1024

	// Maximum number of distinct byte values for a payload to be
	// considered compressible
	compressMaxDiversity = 64
)

// maybeCompress applies the s2 block format to payloads that look
// compressible: at least 1KB with low byte-value diversity. The
// result is only used when it is actually smaller than the input.
// The binding contract is round-trip equality, not the ratio.
func maybeCompress(payload []byte) ([]byte, bool) {
	if len(payload) < compressThreshold {
		return nil, false
	}

	if countDistinctBytes(payload) > compressMaxDiversity {
		return nil, false
	}

	compressed := s2.Encode(nil, payload)
	if len(compressed) >= len(payload) {
		return nil, false
	}

	return compressed, true
}

func decompress(payload []byte) ([]byte, error) {
	return s2.Decode(nil, payload)
}

func countDistinctBytes(payload []byte) int {
	var seen [256]bool
	distinct := 0

	for _, b := range payload {
		if !seen[b] {
			seen[b] = true
			distinct++

			if distinct > compressMaxDiversity {
				break
			}
		}
	}

	return distinct
}
