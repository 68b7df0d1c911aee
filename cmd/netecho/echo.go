package main

import (
	"errors"

	"github.com/kestrel-rtos/kestrel/fs"
	"github.com/kestrel-rtos/kestrel/kernel"
	"github.com/kestrel-rtos/kestrel/log"
	"github.com/kestrel-rtos/kestrel/net/ipv4"
	"github.com/kestrel-rtos/kestrel/net/tcp"
	"github.com/kestrel-rtos/kestrel/net/udp"
)

// tcpEchoListener runs for the lifetime of the kernel, accepting
// connections on a listening port and spawning one short-lived
// echo-service task per accepted connection.
func tcpEchoListener(dev ipv4.Device, localIP [4]byte, port uint16, stackSize int) func(*kernel.Task) {
	return func(t *kernel.Task) {
		server, err := tcp.Listen(dev, localIP, port, "\\net\\tcp\\echo")
		if err != nil {
			log.Error().Err(err).Msg("netecho: tcp listen failed")
			return
		}
		log.Info().Uint16("port", port).Msg("netecho: tcp echo listening")

		id := 0
		for {
			conn, err := tcp.Accept(t, server, 0)
			if err != nil {
				if errors.Is(err, tcp.ErrNetClosed) {
					return
				}
				log.Warn().Err(err).Msg("netecho: tcp accept failed")
				continue
			}
			id++
			kernel.Create("tcp-echo-conn", echoConnPriority, stackSize, tcpEchoConn(conn))
		}
	}
}

// tcpEchoConn is one accepted connection's lifetime: read whatever the
// peer sent, write it straight back, until the peer closes or resets.
func tcpEchoConn(conn *tcp.Port) func(*kernel.Task) {
	return func(t *kernel.Task) {
		defer fs.Close(conn.FD())
		for {
			list, n, err := fs.Read(t, conn.FD(), 0)
			if err != nil {
				if !errors.Is(err, tcp.ErrNetClosed) {
					log.Debug().Err(err).Msg("netecho: tcp connection read ended")
				}
				return
			}
			if n == 0 {
				continue
			}
			if _, err := fs.Write(conn.FD(), list, 0); err != nil {
				list.Drain(conn.FD().Pool())
				log.Debug().Err(err).Msg("netecho: tcp echo write failed")
				return
			}
		}
	}
}

// udpEchoListener binds a UDP socket and bounces every datagram back to
// whoever sent it, for the lifetime of the kernel.
func udpEchoListener(dev ipv4.Device, localIP [4]byte, port uint16) func(*kernel.Task) {
	return func(t *kernel.Task) {
		sock := udp.Bind(dev, localIP, port, "\\net\\udp\\echo")
		log.Info().Uint16("port", port).Msg("netecho: udp echo listening")

		for {
			dst := fs.NewList(dev.FD())
			n, srcIP, srcPort, err := sock.RecvFrom(t, dst, 0)
			if err != nil {
				log.Debug().Err(err).Msg("netecho: udp recv ended")
				return
			}
			if n == 0 {
				continue
			}

			buf := make([]byte, dst.Len())
			if err := dst.PeekHead(buf); err != nil {
				dst.Drain(dev.FD().Pool())
				continue
			}
			dst.Drain(dev.FD().Pool())

			out := fs.NewList(dev.FD())
			if err := out.PushTail(buf); err != nil {
				continue
			}
			if err := sock.SendTo(srcIP, srcPort, out); err != nil {
				log.Debug().Err(err).Msg("netecho: udp echo send failed")
			}
		}
	}
}
