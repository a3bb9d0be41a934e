package sigchan

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmitCoalesces(t *testing.T) {
	c := New()
	assert.False(t, c.Pending())

	c.Emit()
	c.Emit()
	c.Emit()
	assert.True(t, c.Pending())
	assert.False(t, c.Pending())

	c.Emit()
	select {
	case <-c.C():
	default:
		t.Fatal("expected a pending signal")
	}
}
