package controlplane

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventKindString(t *testing.T) {
	t.Run("names each kind", func(t *testing.T) {
		assert.Equal(t, "added", Added.String())
		assert.Equal(t, "modified", Modified.String())
		assert.Equal(t, "deleted", Deleted.String())
	})

	t.Run("unknown kinds do not panic", func(t *testing.T) {
		assert.Equal(t, "unknown", EventKind(42).String())
	})
}
