// Command netecho is the hosted demonstration firmware SPEC_FULL.md's
// example expansion calls for: it assembles the kernel scheduler, the
// SLIP/IPv4/TCP/UDP stack and a serial console exactly as a real board
// package would, but over board/host's OS-backed stand-ins for silicon
// instead of real registers. A peer dials in over a plain TCP
// connection pretending to be a serial cable; everything exchanged over
// that connection is SLIP-framed IP traffic carrying this process's TCP
// and UDP echo services.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/kestrel-rtos/kestrel/board/host"
	"github.com/kestrel-rtos/kestrel/drivers/serial"
	"github.com/kestrel-rtos/kestrel/drivers/slip"
	"github.com/kestrel-rtos/kestrel/fs"
	"github.com/kestrel-rtos/kestrel/kernel"
	"github.com/kestrel-rtos/kestrel/log"
	netstack "github.com/kestrel-rtos/kestrel/net"
	"github.com/kestrel-rtos/kestrel/sysinfo"
)

const (
	echoConnPriority  = 4
	serialRxPriority  = 1
	housekeepPriority = 5
	connStackSize     = 4096
	taskStackSize     = 4096

	mtu = 1500
)

func parseIP(s string) [4]byte {
	ip := net.ParseIP(s).To4()
	if ip == nil {
		fmt.Fprintf(os.Stderr, "netecho: %q is not a dotted-quad IPv4 address\n", s)
		os.Exit(2)
	}
	return [4]byte{ip[0], ip[1], ip[2], ip[3]}
}

func main() {
	transportAddr := flag.String("transport", "127.0.0.1:6000", "address to listen on for the SLIP-over-TCP serial cable peer")
	localAddr := flag.String("ip", "10.0.0.1", "this device's IPv4 address on the SLIP link")
	peerAddr := flag.String("peer", "10.0.0.2", "the SLIP peer's IPv4 address, for the default route")
	tcpPort := flag.Uint("tcp-port", 7, "TCP echo port")
	udpPort := flag.Uint("udp-port", 7, "UDP echo port")
	metricsAddr := flag.String("metrics", "127.0.0.1:9100", "address to serve Prometheus metrics on")
	diagnostic := flag.Bool("diagnostic", false, "drop the log level to debug")
	flag.Parse()

	if *diagnostic {
		log.SetLevel(zerolog.DebugLevel)
	} else {
		log.SetLevel(zerolog.InfoLevel)
	}

	host.Init()
	ticks := host.DefaultTickSource(kernel.TickISR)
	ticks.Start()
	defer ticks.Stop()

	localIP := parseIP(*localAddr)
	peerIP := parseIP(*peerAddr)

	ln, err := net.Listen("tcp", *transportAddr)
	if err != nil {
		log.Error().Err(err).Msg("netecho: failed to listen for transport peer")
		os.Exit(1)
	}
	log.Info().Str("addr", *transportAddr).Msg("netecho: waiting for serial-cable peer")

	conn, err := ln.Accept()
	if err != nil {
		log.Error().Err(err).Msg("netecho: accept failed")
		os.Exit(1)
	}
	ln.Close()
	log.Info().Str("remote", conn.RemoteAddr().String()).Msg("netecho: transport peer connected")

	line := newConnLine(conn)
	uart := serial.New(line, "\\dev\\ttyS0")
	link := slip.NewLink(uart.FD(), localIP, mtu, "\\net\\slip0")
	uart.OnByte(func(b byte) {
		if err := link.ReceiveByte(b); err != nil {
			log.Debug().Err(err).Msg("netecho: slip frame dropped")
		}
	})

	netstack.RegisterDevice(netstack.Device{Device: link, ARP: nil})
	netstack.AddRoute(netstack.Route{
		InterfaceFD:   link.FD(),
		DestinationIP: localIP,
		SubnetMask:    [4]byte{255, 255, 255, 255},
		SourceIP:      localIP,
	})
	netstack.AddRoute(netstack.Route{
		InterfaceFD:   link.FD(),
		DestinationIP: [4]byte{0, 0, 0, 0},
		GatewayIP:     peerIP,
		SourceIP:      localIP,
		SubnetMask:    [4]byte{0, 0, 0, 0},
		Metric:        10,
	})

	kernel.Create("serial-rx", serialRxPriority, taskStackSize, func(t *kernel.Task) {
		for {
			uart.PollOnce()
			if line.closed() {
				log.Info().Msg("netecho: serial-cable peer disconnected, stopping")
				os.Exit(0)
			}
			t.Sleep(1)
		}
	})

	netstack.StartTask(taskStackSize)

	kernel.Create("tcp-echo", housekeepPriority, taskStackSize,
		tcpEchoListener(link, localIP, uint16(*tcpPort), connStackSize))
	kernel.Create("udp-echo", housekeepPriority, taskStackSize,
		udpEchoListener(link, localIP, uint16(*udpPort)))

	pools := map[string]sysinfo.Pool{"slip0": link.FD().Pool()}
	sysinfo.Register(prometheus.DefaultRegisterer)
	kernel.Create("housekeeping", housekeepPriority, taskStackSize,
		housekeepingTask(pools, kernel.Ticks(time.Second)))

	metricsSrv := &http.Server{Addr: *metricsAddr, Handler: promhttp.Handler()}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn().Err(err).Msg("netecho: metrics server stopped")
		}
	}()
	log.Info().Str("addr", *metricsAddr).Msg("netecho: serving prometheus metrics")

	cons := newConsoleDevice()
	restore, interactive := rawStdin()
	defer restore()
	if interactive {
		go runConsole(cons, dumpDiagnostics(pools))
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info().Msg("netecho: shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		metricsSrv.Shutdown(ctx)
		fs.Close(link.FD())
		os.Exit(0)
	}()

	kernel.Run()
}
