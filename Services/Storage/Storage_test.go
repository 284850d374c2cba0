package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPublicURL(t *testing.T) {
	prev := PublicBaseURL
	t.Cleanup(func() { PublicBaseURL = prev })

	PublicBaseURL = ""
	assert.Equal(t, "beats/p1", PublicURL("beats/p1"))

	PublicBaseURL = "https://cdn.zuum.app"
	assert.Equal(t, "https://cdn.zuum.app/beats/p1", PublicURL("beats/p1"))
	assert.Equal(t, "https://cdn.zuum.app/covers/p1.jpg", PublicURL("/covers/p1.jpg"))
}
