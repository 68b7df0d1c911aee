package main

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConnLineRoundTripsBytes(t *testing.T) {
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })

	line := newConnLine(server)

	go client.Write([]byte{0x41, 0x42})

	var got []byte
	deadline := time.After(time.Second)
	for len(got) < 2 {
		if b, ok := line.Rx(); ok {
			got = append(got, b)
			continue
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for bytes")
		case <-time.After(time.Millisecond):
		}
	}
	require.Equal(t, []byte{0x41, 0x42}, got)
}

func TestConnLineTxWritesToConn(t *testing.T) {
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })

	line := newConnLine(server)

	go line.Tx(0x58)

	buf := make([]byte, 1)
	client.SetReadDeadline(time.Now().Add(time.Second))
	n, err := client.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, byte(0x58), buf[0])
}

func TestConnLineClosedReportsPeerDisconnect(t *testing.T) {
	client, server := net.Pipe()
	line := newConnLine(server)

	client.Close()

	require.Eventually(t, line.closed, time.Second, time.Millisecond)
}

func TestParseIPParsesDottedQuad(t *testing.T) {
	require.Equal(t, [4]byte{10, 0, 0, 1}, parseIP("10.0.0.1"))
}
