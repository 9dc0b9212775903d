package mimes

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestViewableText(t *testing.T) {
	tests := []struct {
		mediaType string
		want      bool
	}{
		{"text/plain", true},
		{"text/html; charset=utf-8", true},
		{"TEXT/CSV", true},
		{"application/json", true},
		{"application/ld+json", true},
		{"application/atom+xml", true},
		{"image/svg+xml", true},
		{"application/octet-stream", false},
		{"image/png", false},
		{"video/mp4", false},
		{"", false},
	}

	for _, tc := range tests {
		require.Equal(t, tc.want, ViewableText(tc.mediaType), "mediaType=%q", tc.mediaType)
	}
}

func TestDetect_KnownSignatures(t *testing.T) {
	png := []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a}
	require.Equal(t, "image/png", Detect(png))

	got := Detect([]byte("plain old text content"))
	require.Contains(t, got, "text/plain")
}

func TestDetect_NeverEmpty(t *testing.T) {
	require.NotEmpty(t, Detect(nil))
	require.NotEmpty(t, Detect([]byte{0x00, 0x01, 0x02}))
}
