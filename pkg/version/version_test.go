package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFull(t *testing.T) {
	assert.NotEmpty(t, GitCommit)
	assert.LessOrEqual(t, len(GitCommit), 8)
	assert.Equal(t, AppName+"/"+GitCommit, Full())
}

func TestShorten(t *testing.T) {
	assert.Equal(t, "1a2b3c4d", shorten("1a2b3c4d5e6f7a8b9c0d1a2b3c4d5e6f7a8b9c0d"))
	assert.Equal(t, "dev", shorten("dev"))
	assert.Equal(t, "", shorten(""))
}
