package data

import (
	"errors"
	"testing"
)

func TestCacheKeyRoundTrip(t *testing.T) {
	keys := []CacheKey{
		FileMetadataKey("/docs/readme.md"),
		FileDataKey("3f2a9c"),
		ChunkDataKey(ChunkID("abcdef")),
		DirectoryListingKey("/docs"),
	}

	for _, key := range keys {
		parsed, err := ParseCacheKey(key.String())
		if err != nil {
			t.Fatalf("Failed to parse key '%s': %v", key, err)
		}

		if parsed != key {
			t.Errorf("Expected '%v' after round trip, got '%v'", key, parsed)
		}
	}
}

func TestCacheKeyRefWithColons(t *testing.T) {
	key := FileMetadataKey("/odd:name:file.txt")

	parsed, err := ParseCacheKey(key.String())
	if err != nil {
		t.Fatalf("Failed to parse key '%s': %v", key, err)
	}

	if parsed.Ref != "/odd:name:file.txt" {
		t.Errorf("Expected ref to survive intact, got '%s'", parsed.Ref)
	}
}

func TestParseCacheKeyInvalid(t *testing.T) {
	for _, raw := range []string{"", "no-separator", "bogus:ref"} {
		if _, err := ParseCacheKey(raw); !errors.Is(err, ErrInvalid) {
			t.Errorf("Expected ErrInvalid for '%s', got %v", raw, err)
		}
	}
}

func TestToAbsolutePath(t *testing.T) {
	cases := map[string]string{
		"docs/readme.md":   "/docs/readme.md",
		"/docs//readme.md": "/docs/readme.md",
		"/a/b/../c":        "/a/c",
		"/":                "/",
	}

	for input, expected := range cases {
		abs, err := ToAbsolutePath(input)
		if err != nil {
			t.Fatalf("Failed to normalize '%s': %v", input, err)
		}

		if abs != expected {
			t.Errorf("Expected '%s' for '%s', got '%s'", expected, input, abs)
		}
	}

	if _, err := ToAbsolutePath(""); !errors.Is(err, ErrInvalid) {
		t.Errorf("Expected ErrInvalid for empty path, got %v", err)
	}
}

func TestIsImmediateChild(t *testing.T) {
	cases := []struct {
		dir      string
		child    string
		expected bool
	}{
		{"/docs", "/docs/readme.md", true},
		{"/docs", "/docs/deep/file.txt", false},
		{"/docs", "/docs", false},
		{"/", "/readme.md", true},
		{"/", "/docs/readme.md", false},
		{"/docs", "/documents/file.txt", false},
	}

	for _, tc := range cases {
		if got := IsImmediateChild(tc.dir, tc.child); got != tc.expected {
			t.Errorf("IsImmediateChild(%s, %s) = %v, expected %v",
				tc.dir, tc.child, got, tc.expected)
		}
	}
}
