package fs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegisterLookupUnregister(t *testing.T) {
	fd := Register("\\test\\fd1", &Ops{})
	require.NotNil(t, fd)

	got, err := Lookup("\\test\\fd1")
	require.NoError(t, err)
	require.Same(t, fd, got)

	Unregister("\\test\\fd1")
	_, err = Lookup("\\test\\fd1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestChildrenFiltersByPrefix(t *testing.T) {
	Register("\\eth0\\tcp\\0", &Ops{})
	Register("\\eth0\\tcp\\1", &Ops{})
	Register("\\eth0\\udp\\0", &Ops{})
	defer func() {
		Unregister("\\eth0\\tcp\\0")
		Unregister("\\eth0\\tcp\\1")
		Unregister("\\eth0\\udp\\0")
	}()

	children := Children("\\eth0\\tcp\\")
	require.Len(t, children, 2)
}

func TestChainChecksOwnershipRules(t *testing.T) {
	head := &FD{Path: "\\console"}
	head.installConditions()
	child := &FD{Path: "\\console\\uart1"}
	child.installConditions()

	require.NoError(t, Chain(head, child))
	require.True(t, head.IsChainHead())

	other := &FD{Path: "\\console\\uart2"}
	other.installConditions()
	require.ErrorIs(t, Chain(child, other), ErrNotAChainHead)
	require.ErrorIs(t, Chain(head, child), ErrAlreadyChained)
}
