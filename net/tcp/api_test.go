package tcp

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kestrel-rtos/kestrel/fs"
)

// fakeTask is a minimal cond.Task, mirroring the stub fs's own tests use,
// for driving Dial/Accept through a real suspend/resume cycle without a
// running kernel scheduler.
type fakeTask struct {
	mu      sync.Mutex
	blocked chan struct{}
}

func newFakeTask() *fakeTask { return &fakeTask{blocked: make(chan struct{}, 1)} }

func (f *fakeTask) MarkRunnable() {
	select {
	case f.blocked <- struct{}{}:
	default:
	}
}

func (f *fakeTask) Block() { <-f.blocked }

// dialResult carries Dial's return values across the goroutine boundary
// back to the test body.
type dialResult struct {
	port *Port
	err  error
}

func TestDialBlocksUntilHandshakeCompletesThenAcceptReturnsChild(t *testing.T) {
	clientDev := newDevice(t, "dial-client", [4]byte{10, 1, 0, 1})
	serverDev := newDevice(t, "dial-server", [4]byte{10, 1, 0, 2})

	server, err := Listen(serverDev, serverDev.ip, 80, "\\test\\tcp\\dial\\server")
	require.NoError(t, err)
	t.Cleanup(func() { Unregister(server) })

	task := newFakeTask()
	resultCh := make(chan dialResult, 1)
	go func() {
		port, err := Dial(task, clientDev, clientDev.ip, 4000, serverDev.ip, 80, "\\test\\tcp\\dial\\client", 0)
		resultCh <- dialResult{port, err}
	}()

	require.Eventually(t, func() bool {
		return clientDev.fd.Pool().TxCount() > 0
	}, time.Second, time.Millisecond, "Dial must enqueue its SYN before blocking")

	// Drive the three-way handshake to completion; each delivery below
	// enqueues the next reply in the sequence (SYN -> SYN+ACK -> ACK).
	pumpUntilQuiet(t, clientDev, serverDev)

	var res dialResult
	select {
	case res = <-resultCh:
	case <-time.After(time.Second):
		t.Fatal("Dial did not unblock once the handshake completed")
	}

	require.NoError(t, res.err)
	require.Equal(t, Established, res.port.State())
	t.Cleanup(func() { Unregister(res.port) })

	require.Len(t, server.backlog, 1)
	require.Equal(t, Established, server.backlog[0].State())

	accepted, err := Accept(nil, server, 0)
	require.NoError(t, err, "Accept must not block once a backlog child is ESTABLISHED")
	require.Equal(t, uint16(80), accepted.LocalPort)
	require.Equal(t, uint16(4000), accepted.ForeignPort)
	t.Cleanup(func() { Unregister(accepted) })

	require.Empty(t, server.backlog, "Accept must remove the returned child from the backlog")
}

func TestDataTransferAndGracefulClose(t *testing.T) {
	clientDev := newDevice(t, "data-client", [4]byte{10, 2, 0, 1})
	serverDev := newDevice(t, "data-server", [4]byte{10, 2, 0, 2})

	server, err := Listen(serverDev, serverDev.ip, 81, "\\test\\tcp\\data\\server")
	require.NoError(t, err)
	t.Cleanup(func() { Unregister(server) })

	task := newFakeTask()
	resultCh := make(chan dialResult, 1)
	go func() {
		port, err := Dial(task, clientDev, clientDev.ip, 4001, serverDev.ip, 81, "\\test\\tcp\\data\\client", 0)
		resultCh <- dialResult{port, err}
	}()
	require.Eventually(t, func() bool { return clientDev.fd.Pool().TxCount() > 0 }, time.Second, time.Millisecond)
	pumpUntilQuiet(t, clientDev, serverDev)

	res := <-resultCh
	require.NoError(t, res.err)
	client := res.port
	t.Cleanup(func() { Unregister(client) })

	accepted, err := Accept(nil, server, 0)
	require.NoError(t, err)
	t.Cleanup(func() { Unregister(accepted) })

	// Client writes; doWrite's predicate (sndWnd > 0) is already satisfied
	// post-handshake, so this returns without blocking.
	payload := fs.NewList(client.fd)
	require.NoError(t, payload.PushTail([]byte("hello, server")))
	n, err := client.doWrite(payload, 0)
	require.NoError(t, err)
	require.Equal(t, len("hello, server"), n)

	pumpUntilQuiet(t, clientDev, serverDev)

	// accepted's rxList was populated synchronously by receiveData inside
	// processEstablishedOrLater during the pump above, so doRead also
	// returns without blocking.
	dst := fs.NewList(accepted.fd)
	got, err := accepted.doRead(dst, 0)
	require.NoError(t, err)
	require.Equal(t, len("hello, server"), got)

	out := make([]byte, dst.Len())
	require.NoError(t, dst.PeekHead(out))
	require.Equal(t, "hello, server", string(out))

	// Graceful close: client half-closes first (active close); the
	// client's FIN is ACKed immediately but the server lands in CLOSE_WAIT until
	// its own application-level doClose sends the second FIN.
	require.NoError(t, client.doClose())
	require.Equal(t, FinWait1, client.State())

	pumpUntilQuiet(t, clientDev, serverDev)

	require.Equal(t, CloseWait, accepted.State())
	require.Equal(t, FinWait2, client.State())

	require.NoError(t, accepted.doClose())
	require.Equal(t, LastAck, accepted.State())

	pumpUntilQuiet(t, clientDev, serverDev)

	require.Equal(t, TimeWait, client.State())
	require.Equal(t, Closed, accepted.State(), "LAST_ACK must clear once its FIN is ACKed")
}
