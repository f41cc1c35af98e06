package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStrings(t *testing.T) {
	origVersion, origCommit := Version, Commit
	t.Cleanup(func() { Version, Commit = origVersion, origCommit })

	Version = "1.2.3"
	Commit = "0123456789abcdef"

	assert.Equal(t, "hubstream 1.2.3 (01234567)", Short())
	assert.Equal(t, "hubstream/1.2.3", UserAgent())
	assert.Contains(t, String(), "commit: 01234567")

	Commit = "dev"
	assert.Equal(t, "hubstream 1.2.3 (dev)", Short())
}

func TestGetInfo(t *testing.T) {
	info := GetInfo()
	assert.NotEmpty(t, info.GoVersion)
	assert.Contains(t, info.Platform, "/")
}
