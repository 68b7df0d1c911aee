package irq

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSaveAndDisableReentrant(t *testing.T) {
	masked.Store(false)

	l1 := SaveAndDisable()
	require.True(t, backend.Mask())

	l2 := SaveAndDisable()
	require.True(t, backend.Mask())

	// Restoring the inner (nested) level must not re-enable interrupts.
	Restore(l2)
	require.True(t, backend.Mask())

	// Restoring the outer level re-enables.
	Restore(l1)
	require.False(t, backend.Mask())
}

func TestSaveAndDisableFromEnabled(t *testing.T) {
	masked.Store(false)

	l := SaveAndDisable()
	require.True(t, backend.Mask())

	Restore(l)
	require.False(t, backend.Mask())
}
