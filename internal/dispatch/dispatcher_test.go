package dispatch

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/francoriba/shelter-server-HPC/internal/imaging"
	"github.com/francoriba/shelter-server-HPC/internal/store"
	"github.com/francoriba/shelter-server-HPC/internal/supplies"
	"github.com/francoriba/shelter-server-HPC/internal/wire"
)

func TestFormatPeerAddrExtractsEmbeddedIPv4(t *testing.T) {
	addr := &net.TCPAddr{IP: net.ParseIP("::ffff:192.0.2.1"), Port: 1234}
	require.Equal(t, "192.0.2.1:1234", formatPeerAddr(addr))
}

func TestFormatPeerAddrLeavesPlainIPv6Alone(t *testing.T) {
	addr := &net.TCPAddr{IP: net.ParseIP("2001:db8::1"), Port: 1234}
	require.Equal(t, addr.String(), formatPeerAddr(addr))
}

func newFakeClient(t *testing.T, id int64) *streamClient {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { server.Close(); client.Close() })
	return &streamClient{id: id, conn: server}
}

func TestAddStreamClientBoundedAtTen(t *testing.T) {
	d := &Dispatcher{}
	for i := int64(0); i < maxStreamClients; i++ {
		require.True(t, d.addStreamClient(newFakeClient(t, i)))
	}
	require.False(t, d.addStreamClient(newFakeClient(t, 999)))
	require.Len(t, d.clients, maxStreamClients)
}

func TestRemoveStreamClient(t *testing.T) {
	d := &Dispatcher{}
	c1 := newFakeClient(t, 1)
	c2 := newFakeClient(t, 2)
	d.addStreamClient(c1)
	d.addStreamClient(c2)

	d.removeStreamClient(c1)
	require.Len(t, d.clients, 1)
	require.Same(t, c2, d.clients[0])
}

func TestRememberDatagramPeerDedupesByAddr(t *testing.T) {
	d := &Dispatcher{}
	a := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 4000}
	b := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 4000}

	d.rememberDatagramPeer(a)
	d.rememberDatagramPeer(b)
	require.Len(t, d.peers, 1)
}

func TestRememberDatagramPeerBoundedAtTenEvictsOldest(t *testing.T) {
	d := &Dispatcher{}
	for i := 0; i < maxDatagramPeers+1; i++ {
		d.rememberDatagramPeer(&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 4000 + i})
	}
	require.Len(t, d.peers, maxDatagramPeers)
	require.Equal(t, 4001, d.peers[0].addr.Port, "oldest peer (port 4000) should have been evicted")
}

// --- end-to-end harness ---

type fakeDetector struct{}

func (fakeDetector) Detect(_ context.Context, _, outDir string) error {
	return os.WriteFile(filepath.Join(outDir, "canny.png"), []byte("edges"), 0o644)
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *wire.Handler) {
	t.Helper()
	dir := t.TempDir()

	s, err := store.Open(filepath.Join(dir, "db"))
	require.NoError(t, err)
	t.Cleanup(s.Close)

	model := supplies.New(s)
	require.NoError(t, model.Bootstrap())

	ids := store.NewIdGen()
	handler := wire.NewHandler(s, model, ids)
	require.NoError(t, handler.RehydrateIds())

	inputDir := filepath.Join(dir, "in")
	archiveDir := filepath.Join(dir, "archive")
	workingDir := filepath.Join(dir, "work")
	for _, p := range []string{inputDir, archiveDir, workingDir} {
		require.NoError(t, os.MkdirAll(p, 0o755))
	}
	pipeline, err := imaging.New(inputDir, archiveDir, workingDir, fakeDetector{})
	require.NoError(t, err)

	d := New(handler, pipeline, "127.0.0.1:0", "127.0.0.1:0",
		filepath.Join(dir, "shutdown.sock"), filepath.Join(dir, "alerts.fifo"), false)

	ctx, cancel := context.WithCancel(context.Background())
	d.Cancel = cancel
	t.Cleanup(cancel)

	go func() {
		if err := d.Run(ctx); err != nil && ctx.Err() == nil {
			t.Logf("dispatcher exited: %v", err)
		}
	}()

	select {
	case <-d.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not become ready")
	}

	return d, handler
}

func sendJSON(t *testing.T, conn net.Conn, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	_, err = conn.Write(b)
	require.NoError(t, err)
}

func readJSON(t *testing.T, r *bufio.Reader) map[string]any {
	t.Helper()
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	var v map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &v))
	return v
}

// TestStreamAuthUpdateStatus covers spec.md §8 scenario 1.
func TestStreamAuthUpdateStatus(t *testing.T) {
	d, handler := newTestDispatcher(t)

	conn, err := net.Dial("tcp", d.BoundTCPAddr())
	require.NoError(t, err)
	defer conn.Close()
	r := bufio.NewReader(conn)

	sendJSON(t, conn, map[string]any{"message": "authenticateme", "hostname": "ubuntu"})
	require.Equal(t, "auth_success", readJSON(t, r)["message"])

	sendJSON(t, conn, map[string]any{"message": "update", "food": map[string]any{"meat": 3, "water": -2}})

	sendJSON(t, conn, map[string]any{"message": "status"})
	resp := readJSON(t, r)
	require.Equal(t, "supplies_response", resp["message"])
	food := resp["food"].(map[string]any)
	require.Equal(t, float64(3), food["meat"])
	require.Equal(t, float64(0), food["water"])

	require.Eventually(t, func() bool {
		lastEvent, ok, err := handler.Store.Get("lastEvent")
		require.NoError(t, err)
		return ok && strings.Contains(lastEvent, "Update request from TCP client")
	}, time.Second, 10*time.Millisecond)
}

// TestStreamUpdateWithoutAuthIsIgnored covers P7.
func TestStreamUpdateWithoutAuthIsIgnored(t *testing.T) {
	d, handler := newTestDispatcher(t)

	conn, err := net.Dial("tcp", d.BoundTCPAddr())
	require.NoError(t, err)
	defer conn.Close()

	sendJSON(t, conn, map[string]any{"message": "update", "food": map[string]any{"meat": 9}})

	require.Eventually(t, func() bool {
		resp, err := handler.Status()
		require.NoError(t, err)
		b, _ := json.Marshal(resp)
		var v map[string]any
		json.Unmarshal(b, &v)
		food := v["food"].(map[string]any)
		return food["meat"].(float64) != 9
	}, time.Second, 10*time.Millisecond)
}

// TestDatagramStatusWhenEmpty covers spec.md §8 scenario 2.
func TestDatagramStatusWhenEmpty(t *testing.T) {
	d, _ := newTestDispatcher(t)

	conn, err := net.Dial("udp", d.BoundUDPAddr())
	require.NoError(t, err)
	defer conn.Close()

	sendJSON(t, conn, map[string]any{"hostname": "x", "message": "status"})

	buf := make([]byte, 1024)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(buf[:n], &got))
	food := got["food"].(map[string]any)
	require.Equal(t, float64(0), food["meat"])
}

// TestFifoAlertBroadcastsAndPersists covers spec.md §8 scenario 3.
func TestFifoAlertBroadcastsAndPersists(t *testing.T) {
	d, handler := newTestDispatcher(t)

	dial := func() (net.Conn, *bufio.Reader) {
		conn, err := net.Dial("tcp", d.BoundTCPAddr())
		require.NoError(t, err)
		return conn, bufio.NewReader(conn)
	}
	c1, r1 := dial()
	defer c1.Close()
	c2, r2 := dial()
	defer c2.Close()

	f, err := os.OpenFile(d.FifoPath, os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteString("NORTH ENTRY, ALERT, 39.2°C ")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	for _, r := range []*bufio.Reader{r1, r2} {
		msg := readJSON(t, r)
		require.Equal(t, "alert", msg["message"])
		require.Equal(t, "NORTH ENTRY, ALERT, 39.2°C ", msg["alert_description"])
	}

	require.Eventually(t, func() bool {
		entries, err := handler.Store.ScanKeysContainingAll([]string{"alert_"})
		require.NoError(t, err)
		return len(entries) == 1
	}, time.Second, 10*time.Millisecond)
}

// TestShutdownSocketBroadcastsDisconnectAndStops covers spec.md §8 scenario 6.
func TestShutdownSocketBroadcastsDisconnectAndStops(t *testing.T) {
	d, handler := newTestDispatcher(t)

	conn, err := net.Dial("tcp", d.BoundTCPAddr())
	require.NoError(t, err)
	defer conn.Close()
	r := bufio.NewReader(conn)

	sc, err := net.Dial("unix", d.ShutdownSocketPath)
	require.NoError(t, err)
	_, err = sc.Write([]byte("Electricity failure. Disconnecting all clients."))
	require.NoError(t, err)
	require.NoError(t, sc.Close())

	msg := readJSON(t, r)
	require.Equal(t, "disconnect", msg["message"])

	require.Eventually(t, func() bool {
		entries, err := handler.Store.ScanKeysContainingAll([]string{"emergencyNotification_"})
		require.NoError(t, err)
		return len(entries) == 1
	}, time.Second, 10*time.Millisecond)

	lastEvent, ok, err := handler.Store.Get("lastEvent")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Electricity failure. Disconnecting all clients.", lastEvent)
}
