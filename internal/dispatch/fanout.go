package dispatch

import (
	"encoding/json"
	"net"
	"strconv"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/francoriba/shelter-server-HPC/internal/metrics"
)

// maxStreamClients and maxDatagramPeers bound the two tables the Dispatcher
// owns, per spec.md §4.9 ("bounded by 10").
const (
	maxStreamClients = 10
	maxDatagramPeers = 10
)

// streamClient is one entry in the Dispatcher's insertion-ordered stream
// client table. authenticated is per-session state (spec.md §9: the source
// keeps this as a process-global boolean, a documented bug; this is kept on
// the individual client instead).
type streamClient struct {
	id            int64
	conn          net.Conn
	authenticated atomic.Bool
}

func (c *streamClient) send(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = c.conn.Write(b)
	return err
}

// datagramPeer is one entry in the Dispatcher's datagram peer cache,
// deduplicated by address+port (spec.md §4.9).
type datagramPeer struct {
	addr *net.UDPAddr
}

func peerKey(addr *net.UDPAddr) string {
	return addr.IP.String() + "|" + strconv.Itoa(addr.Port)
}

// addStreamClient inserts c if the table has room, returning false (and not
// inserting) otherwise — the caller then logs the rejection and closes the
// freshly accepted connection.
func (d *Dispatcher) addStreamClient(c *streamClient) bool {
	if len(d.clients) >= maxStreamClients {
		return false
	}
	d.clients = append(d.clients, c)
	metrics.StreamClients.Set(float64(len(d.clients)))
	return true
}

// removeStreamClient drops c from the table, closing its connection.
func (d *Dispatcher) removeStreamClient(c *streamClient) {
	for i, existing := range d.clients {
		if existing == c {
			d.clients = append(d.clients[:i], d.clients[i+1:]...)
			break
		}
	}
	c.conn.Close()
	metrics.StreamClients.Set(float64(len(d.clients)))
}

// rememberDatagramPeer adds addr to the peer cache if not already present,
// evicting the oldest entry if the cache is full (spec.md §4.9:
// "insertion-ordered list ... bounded by 10").
func (d *Dispatcher) rememberDatagramPeer(addr *net.UDPAddr) {
	key := peerKey(addr)
	for _, p := range d.peers {
		if peerKey(p.addr) == key {
			return
		}
	}
	if len(d.peers) >= maxDatagramPeers {
		d.peers = d.peers[1:]
	}
	d.peers = append(d.peers, datagramPeer{addr: addr})
	metrics.DatagramPeers.Set(float64(len(d.peers)))
}

// broadcastStream serializes obj once and writes it to every stream client.
// Per-client failures are logged, not propagated (spec.md §4.10).
func (d *Dispatcher) broadcastStream(obj any) {
	b, err := json.Marshal(obj)
	if err != nil {
		log.WithError(err).Error("marshaling broadcast message")
		return
	}
	b = append(b, '\n')

	for _, c := range d.clients {
		if _, err := c.conn.Write(b); err != nil {
			log.WithError(err).WithField("client", c.id).Warn("broadcast write failed")
		}
	}
}

// broadcastDatagram sends raw bytes to every cached peer over the shared UDP
// socket. Failures are ignored (spec.md §4.10).
func (d *Dispatcher) broadcastDatagram(raw []byte) {
	for _, p := range d.peers {
		_, _ = d.udpConn.WriteToUDP(raw, p.addr)
	}
}
