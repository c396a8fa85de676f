// Package dispatch implements the Dispatcher (C9) and Fanout (C10): the
// cooperative event loop that owns every listening and connected
// descriptor, the stream client table, and the datagram peer cache.
//
// Grounded on src/server/server.cpp's Server::start select() loop
// (include/server.hpp's FD_SET bookkeeping), re-architected per spec.md §9
// into Go's idiomatic concurrency primitives: one reader goroutine per
// listening descriptor (TCP, UDP, shutdown socket, FIFO) plus one per
// connected stream client feeds a single fan-in channel, and one loop consumes
// that channel serially. This preserves the spec's single-threaded
// cooperative property (exactly one goroutine ever touches the client
// table, the peer cache, or calls into C8) while replacing select()'s
// fixed-size fd_set with goroutines and channels, which is how this
// concern is idiomatically expressed in Go.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/francoriba/shelter-server-HPC/internal/alerts"
	"github.com/francoriba/shelter-server-HPC/internal/imaging"
	"github.com/francoriba/shelter-server-HPC/internal/metrics"
	"github.com/francoriba/shelter-server-HPC/internal/wire"
)

// imageZipReadyDelay is the legacy 1-second pause between zip_ready and the
// archive body write (spec.md §9, "Image transfer handshake"). Kept as a
// config-selectable behavior rather than removed outright.
const imageZipReadyDelay = 1 * time.Second

// Dispatcher owns the listening sockets, the stream client table, and the
// datagram peer cache (spec.md §4.9).
type Dispatcher struct {
	Handler  *wire.Handler
	Pipeline *imaging.Pipeline

	TCPAddr            string
	UDPAddr            string
	ShutdownSocketPath string
	FifoPath           string
	LegacyImageDelay   bool

	// Cancel is invoked once, after the shutdown-socket notice has been
	// persisted and broadcast, to stop sibling tasks (C4/C5/C7) sharing the
	// same errgroup context — the in-process analogue of "raise SIGINT to
	// self" followed by SIGTERM to children (spec.md §4.9).
	Cancel context.CancelFunc

	clients      []*streamClient
	peers        []datagramPeer
	nextClientID int64

	udpConn  *net.UDPConn
	events   chan any
	boundTCP net.Addr
	boundUDP net.Addr
	ready    chan struct{}
}

// New builds a Dispatcher. Handler and Pipeline must be non-nil.
func New(handler *wire.Handler, pipeline *imaging.Pipeline, tcpAddr, udpAddr, shutdownSocketPath, fifoPath string, legacyImageDelay bool) *Dispatcher {
	return &Dispatcher{
		Handler:            handler,
		Pipeline:           pipeline,
		TCPAddr:            tcpAddr,
		UDPAddr:            udpAddr,
		ShutdownSocketPath: shutdownSocketPath,
		FifoPath:           fifoPath,
		LegacyImageDelay:   legacyImageDelay,
		events:             make(chan any, 64),
		ready:              make(chan struct{}),
	}
}

// Ready closes once every listener is bound, letting callers (tests, in
// particular) learn the actual addresses when TCPAddr/UDPAddr use the ":0"
// ephemeral-port form.
func (d *Dispatcher) Ready() <-chan struct{} { return d.ready }

// BoundTCPAddr returns the actual address the stream listener bound to.
// Only valid after Ready() closes.
func (d *Dispatcher) BoundTCPAddr() string { return d.boundTCP.String() }

// BoundUDPAddr returns the actual address the datagram listener bound to.
// Only valid after Ready() closes.
func (d *Dispatcher) BoundUDPAddr() string { return d.boundUDP.String() }

type evAccepted struct{ conn net.Conn }
type evClientFrame struct {
	client *streamClient
	data   []byte
}
type evClientClosed struct {
	client *streamClient
	err    error
}
type evUDP struct {
	data []byte
	addr *net.UDPAddr
}
type evFifoAlert struct{ line string }
type evShutdown struct{ line string }

// Run binds every listener, starts one reader goroutine per descriptor
// class, and runs the cooperative dispatch loop until ctx is canceled or a
// shutdown notice arrives on the filesystem socket.
func (d *Dispatcher) Run(ctx context.Context) error {
	// Residual unix-socket cleanup (original Utils::cleanUpUnixSocket):
	// a prior unclean exit leaves the socket file behind and would
	// otherwise fail the bind with EADDRINUSE.
	if err := os.Remove(d.ShutdownSocketPath); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("could not remove stale shutdown socket")
	}

	tcpLn, err := net.Listen("tcp", d.TCPAddr)
	if err != nil {
		return fmt.Errorf("dispatch: tcp listen %s: %w", d.TCPAddr, err)
	}
	defer tcpLn.Close()

	udpAddr, err := net.ResolveUDPAddr("udp", d.UDPAddr)
	if err != nil {
		return fmt.Errorf("dispatch: resolving udp addr %s: %w", d.UDPAddr, err)
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("dispatch: udp listen %s: %w", d.UDPAddr, err)
	}
	defer udpConn.Close()
	d.udpConn = udpConn

	shutdownLn, err := net.Listen("unix", d.ShutdownSocketPath)
	if err != nil {
		return fmt.Errorf("dispatch: unix listen %s: %w", d.ShutdownSocketPath, err)
	}
	defer shutdownLn.Close()

	if err := alerts.EnsureFifo(d.FifoPath); err != nil {
		return err
	}

	d.boundTCP = tcpLn.Addr()
	d.boundUDP = udpConn.LocalAddr()
	close(d.ready)

	go func() {
		<-ctx.Done()
		tcpLn.Close()
		udpConn.Close()
		shutdownLn.Close()
	}()

	go d.acceptLoop(ctx, tcpLn)
	go d.udpLoop(ctx, udpConn)
	go d.shutdownLoop(ctx, shutdownLn)
	go d.fifoLoop(ctx, d.FifoPath)

	log.WithFields(log.Fields{
		"tcp": d.TCPAddr, "udp": d.UDPAddr, "shutdown_socket": d.ShutdownSocketPath,
	}).Info("dispatcher listening")

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev := <-d.events:
			switch e := ev.(type) {
			case evAccepted:
				d.handleAccepted(ctx, e.conn)
			case evClientFrame:
				d.handleClientFrame(ctx, e.client, e.data)
			case evClientClosed:
				log.WithField("client", e.client.id).WithError(e.err).Info("stream client gone")
				d.removeStreamClient(e.client)
			case evUDP:
				d.handleDatagram(e.addr, e.data)
			case evFifoAlert:
				d.handleFifoAlert(e.line)
			case evShutdown:
				d.handleShutdown(e.line)
				if d.Cancel != nil {
					d.Cancel()
				}
				return nil
			}
		}
	}
}

func (d *Dispatcher) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("tcp accept failed")
			continue
		}
		select {
		case d.events <- evAccepted{conn: conn}:
		case <-ctx.Done():
			conn.Close()
			return
		}
	}
}

func (d *Dispatcher) udpLoop(ctx context.Context, conn *net.UDPConn) {
	buf := make([]byte, wire.MaxFrameBytes)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("udp read failed")
			continue
		}
		data := append([]byte(nil), buf[:n]...)
		select {
		case d.events <- evUDP{data: data, addr: addr}:
		case <-ctx.Done():
			return
		}
	}
}

// shutdownLoop implements the filesystem-socket shutdown pathway (spec.md
// §4.9): accept one connection, read one message, hand it to the main loop,
// and stop — the process is about to exit.
func (d *Dispatcher) shutdownLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("shutdown socket accept failed")
			continue
		}

		buf := make([]byte, wire.MaxFrameBytes)
		n, err := conn.Read(buf)
		conn.Close()
		if n == 0 {
			if err != nil {
				log.WithError(err).Warn("shutdown socket read failed")
			}
			continue
		}

		select {
		case d.events <- evShutdown{line: string(buf[:n])}:
		case <-ctx.Done():
		}
		return
	}
}

// fifoLoop implements C9's FIFO read side: it opens the alert FIFO for
// reading (blocking until a writer appears, since C4 opens, writes, and
// closes its end per record), emits one event per read, and reopens after
// every EOF.
func (d *Dispatcher) fifoLoop(ctx context.Context, path string) {
	buf := make([]byte, wire.MaxFrameBytes)
	for {
		if ctx.Err() != nil {
			return
		}
		f, err := os.OpenFile(path, os.O_RDONLY, os.ModeNamedPipe)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("opening alert fifo failed")
			time.Sleep(time.Second)
			continue
		}

		for {
			n, rerr := f.Read(buf)
			if n > 0 {
				select {
				case d.events <- evFifoAlert{line: string(buf[:n])}:
				case <-ctx.Done():
					f.Close()
					return
				}
			}
			if rerr != nil {
				break
			}
		}
		f.Close()
	}
}

// clientReadLoop relays one connected stream client's frames onto the
// shared event channel until it errors or ctx is canceled.
func (d *Dispatcher) clientReadLoop(ctx context.Context, c *streamClient) {
	buf := make([]byte, wire.MaxFrameBytes)
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			select {
			case d.events <- evClientClosed{client: c, err: err}:
			case <-ctx.Done():
			}
			return
		}
		data := append([]byte(nil), buf[:n]...)
		select {
		case d.events <- evClientFrame{client: c, data: data}:
		case <-ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) handleAccepted(ctx context.Context, conn net.Conn) {
	d.nextClientID++
	c := &streamClient{id: d.nextClientID, conn: conn}

	if !d.addStreamClient(c) {
		// ResourceExhausted (spec.md §7): log and silently decline; the OS
		// closes the already-accepted fd for us when we close it here.
		log.WithField("remote", conn.RemoteAddr()).Warn("stream client table full, rejecting connection")
		conn.Close()
		return
	}

	log.WithField("remote", formatPeerAddr(conn.RemoteAddr())).Info("stream client connected")
	go d.clientReadLoop(ctx, c)
}

func (d *Dispatcher) handleClientFrame(ctx context.Context, c *streamClient, data []byte) {
	req, err := wire.ParseRequest(data)
	if err != nil {
		log.WithError(err).WithField("client", c.id).Warn("dropping malformed stream frame")
		return
	}

	switch req.Message {
	case "authenticateme":
		ok := d.Handler.Authenticate(req.Hostname)
		c.authenticated.Store(ok)
		if ok {
			d.sendTo(c, wire.AuthSuccess())
		} else {
			d.sendTo(c, wire.AuthFailure())
		}

	case "status":
		resp, err := d.Handler.Status()
		if err != nil {
			log.WithError(err).Warn("status failed")
			return
		}
		d.sendTo(c, resp)

	case "update":
		if !c.authenticated.Load() {
			log.WithField("client", c.id).Warn("update without prior authentication, dropping")
			return
		}
		event := fmt.Sprintf("Update request from TCP client %s", formatPeerAddr(c.conn.RemoteAddr()))
		if _, err := d.Handler.Update(req.Delta(), event); err != nil {
			log.WithError(err).Warn("update failed")
		}

	case "summary":
		resp, err := d.Handler.Summary()
		if err != nil {
			log.WithError(err).Warn("summary failed")
			return
		}
		d.sendTo(c, resp)

	case "request_available_images":
		images, err := d.Pipeline.AvailableImages()
		if err != nil {
			log.WithError(err).Warn("listing available images failed")
			return
		}
		d.sendTo(c, wire.ImageList(images))

	case "image_selection":
		d.handleImageSelection(ctx, c, req.Image)

	default:
		log.WithField("message", req.Message).Info("unknown message, ignoring")
	}
}

// handleImageSelection runs C6 and streams the file_size / zip_ready /
// body triple in order on c's connection (spec.md §4.8).
func (d *Dispatcher) handleImageSelection(ctx context.Context, c *streamClient, image string) {
	result, err := d.Pipeline.Resolve(ctx, image)
	if err != nil {
		metrics.PipelineInvocations.WithLabelValues("unavailable").Inc()
		log.WithError(err).WithField("image", image).Warn("image pipeline unavailable, dropping request")
		return
	}
	metrics.PipelineInvocations.WithLabelValues("ok").Inc()

	if err := c.send(wire.FileSize(result.Size)); err != nil {
		log.WithError(err).WithField("client", c.id).Warn("sending file_size failed")
		return
	}
	if err := c.send(wire.ZipReady()); err != nil {
		log.WithError(err).WithField("client", c.id).Warn("sending zip_ready failed")
		return
	}

	if d.LegacyImageDelay {
		time.Sleep(imageZipReadyDelay)
	}

	f, err := os.Open(result.ArchivePath)
	if err != nil {
		log.WithError(err).Warn("opening archive for transfer failed")
		return
	}
	defer f.Close()

	if _, err := f.WriteTo(c.conn); err != nil {
		log.WithError(err).WithField("client", c.id).Warn("archive body transfer failed")
	}
}

// handleDatagram implements the datagram-carrier side of C8, plus peer-cache
// bookkeeping (spec.md §4.9: "Listening datagram → invoke C8 datagram path
// (which also adds the peer to the cache)").
func (d *Dispatcher) handleDatagram(addr *net.UDPAddr, data []byte) {
	d.rememberDatagramPeer(addr)

	req, err := wire.ParseRequest(data)
	if err != nil {
		log.WithError(err).WithField("peer", addr).Warn("dropping malformed datagram")
		return
	}

	switch req.Message {
	case "status":
		resp, err := d.Handler.Status()
		if err != nil {
			log.WithError(err).Warn("status failed")
			return
		}
		d.sendUDP(addr, resp)

	case "update":
		if req.Hostname != wire.AdminHostname {
			log.WithField("peer", addr).Warn("datagram update without admin hostname, dropping")
			return
		}
		event := fmt.Sprintf("Update request from authenticated UDP client %s", addr.IP)
		if _, err := d.Handler.Update(req.Delta(), event); err != nil {
			log.WithError(err).Warn("update failed")
		}

	case "summary":
		resp, err := d.Handler.Summary()
		if err != nil {
			log.WithError(err).Warn("summary failed")
			return
		}
		d.sendUDP(addr, resp)

	default:
		log.WithField("message", req.Message).Info("unknown or stream-only message on datagram carrier, ignoring")
	}
}

// handleFifoAlert implements C9's FIFO-ready step: persist the alert record
// and broadcast it on both carriers (spec.md §4.9).
func (d *Dispatcher) handleFifoAlert(line string) {
	key, err := d.Handler.RecordAlert(line)
	if err != nil {
		log.WithError(err).Warn("recording alert failed")
		return
	}
	metrics.AlertsProcessed.Inc()
	log.WithField("key", key).Info("alert recorded")

	d.broadcastStream(wire.Alert(line))
	d.broadcastDatagram([]byte(line))
}

// handleShutdown implements C9's shutdown-socket step: persist the notice,
// broadcast disconnect to every stream client, and log it (spec.md §4.9).
func (d *Dispatcher) handleShutdown(line string) {
	key, err := d.Handler.RecordEmergencyNotice(line)
	if err != nil {
		log.WithError(err).Error("recording emergency notice failed")
	} else {
		log.WithField("key", key).Warn("emergency notice recorded")
	}

	d.broadcastStream(wire.Disconnect())
	log.Warn(line)
}

func (d *Dispatcher) sendTo(c *streamClient, v any) {
	if err := c.send(v); err != nil {
		log.WithError(err).WithField("client", c.id).Warn("send failed")
	}
}

func (d *Dispatcher) sendUDP(addr *net.UDPAddr, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.WithError(err).Error("marshaling datagram response")
		return
	}
	if _, err := d.udpConn.WriteToUDP(b, addr); err != nil {
		log.WithError(err).WithField("peer", addr).Warn("datagram send failed")
	}
}

// formatPeerAddr renders addr, extracting the embedded IPv4 address from an
// IPv4-mapped IPv6 remote (spec.md §4.9: "handle IPv4-mapped addresses
// specially, extracting the embedded v4").
func formatPeerAddr(addr net.Addr) string {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return addr.String()
	}
	if v4 := tcpAddr.IP.To4(); v4 != nil {
		return fmt.Sprintf("%s:%d", v4, tcpAddr.Port)
	}
	return addr.String()
}
