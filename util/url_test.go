package util

import (
	"testing"

	assert_ "github.com/stretchr/testify/assert"
)

func TestFilenameFromURLString(t *testing.T) {
	assert := assert_.New(t)

	filename, err := FilenameFromURLString("https://cdn.example.com/cd/GEO/SD/index.m3u8")
	assert.NoError(err)
	assert.Equal("index.m3u8", filename)

	_, err = FilenameFromURLString("https://cdn.example.com/")
	assert.ErrorIs(err, ErrNoFilename)
	_, err = FilenameFromURLString("https://cdn.example.com/..")
	assert.ErrorIs(err, ErrNoFilename)
}

func TestExtensionFromURLString(t *testing.T) {
	assert := assert_.New(t)

	assert.Equal(".m3u8", ExtensionFromURLString("https://cdn.example.com/cd/GEO/SD/index.M3U8", ".mp4"))
	assert.Equal(".mp4", ExtensionFromURLString("https://cdn.example.com/stream", ".mp4"))
	assert.Equal(".mp4", ExtensionFromURLString("https://cdn.example.com/", ".mp4"))
	assert.Equal(".ts", ExtensionFromURLString("https://cdn.example.com/seg/001.ts?token=abc", ".mp4"))
}

func TestStripQuery(t *testing.T) {
	assert := assert_.New(t)

	assert.Equal("https://a.example/x.m3u8", StripQuery("https://a.example/x.m3u8?token=1&e=2"))
	assert.Equal("https://a.example/x.mp4", StripQuery("https://a.example/x.mp4#t=10"))
	assert.Equal("https://a.example/x.ts", StripQuery("https://a.example/x.ts"))
}

func TestResolveReference(t *testing.T) {
	assert := assert_.New(t)

	assert.Equal("https://ge.movie/movie/123", ResolveReference("https://ge.movie/filter-movies?page=2", "/movie/123"))
	assert.Equal("https://other.example/a", ResolveReference("https://ge.movie/", "https://other.example/a"))
	assert.Equal("https://ge.movie/player.php?id=9", ResolveReference("https://ge.movie/movie/1", "//ge.movie/player.php?id=9"))
}
