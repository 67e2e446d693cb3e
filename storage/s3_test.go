package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "yt-dlp/abc-123/clip.mp4", ObjectKey("abc-123", "clip.mp4"))
	assert.Equal(t, "yt-dlp/abc-123/My Video.mkv", ObjectKey("abc-123", "My Video.mkv"))
}
