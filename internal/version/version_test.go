package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVersion(t *testing.T) {
	assert.Equal(t, "v0.0.0-alpha.1", New(0).Alpha(1))
	assert.Equal(t, "v1.2.3", New(1).Minor(2).Patch(3).String())
}
