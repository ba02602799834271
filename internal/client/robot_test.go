package client

import (
	"bufio"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/lattesec/agvclient/internal/catalog"
	"github.com/lattesec/agvclient/internal/socket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func testCatalog() *catalog.Catalog {
	return catalog.New(map[string]uint16{
		"HEART_BEAT":             0x0001,
		"GET_VELOCITY":           0x0102,
		"SET_OPERATING_MODE":     0x0105,
		"GET_SYSINFO":            0x0110,
		"TERMINAL_COMMAND":       0x0120,
		"OTA_UPGRADE":            0x0130,
		"GET_POINT_CLOUD":        0x0201,
		"GET_CAMERA_POINT_CLOUD": 0x0202,
		"GET_SCAN2POINTCLOUD":    0x0203,
		"PULL_MAP":               0x0301,
		"UPLOAD_FILE":            0x0302,
		"REBOOT_OR_POWEROFF":     0x0140,
		"SET_DATE_TIME":          0x0141,
		"GET_DATE_TIME":          0x0142,
	})
}

func testConfig(t *testing.T) *Config {
	cfg := DefaultConfig()
	cfg.StorageRoot = t.TempDir()
	cfg.HeartbeatInterval = time.Minute
	cfg.SettleDelay = 10 * time.Millisecond
	cfg.OTAPollInterval = 50 * time.Millisecond
	cfg.Control.ConnectTimeout = time.Second
	cfg.Data.ConnectTimeout = time.Second
	cfg.Data.ReconnectionDelay = 50 * time.Millisecond
	return cfg
}

// newTestClient builds a client on testCatalog; opts are applied after the
// defaults and may replace them.
func newTestClient(t *testing.T, cfg *Config, opts ...Option) *Client {
	if cfg == nil {
		cfg = testConfig(t)
	}
	opts = append([]Option{WithCatalog(testCatalog()), WithRegisterer(prometheus.NewRegistry())}, opts...)
	c, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

type received struct {
	conn int // accept order, 0 is the first connection
	name string
	req  socket.Request
}

// replyFunc returns the reply bodies for one request; nil sends nothing.
type replyFunc func(r received) [][]byte

// mockRobot accepts any number of connections and answers every request
// through reply.
type mockRobot struct {
	t     *testing.T
	ln    net.Listener
	names map[uint16]string
	reply replyFunc

	mu       sync.Mutex
	conns    []net.Conn
	requests []received
}

func startRobot(t *testing.T, reply replyFunc) *mockRobot {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err, "failed to start mock robot")
	t.Logf("started mock robot at %s\n", ln.Addr().String())

	cat := testCatalog()
	r := &mockRobot{t: t, ln: ln, names: make(map[uint16]string), reply: reply}
	for _, name := range cat.Names() {
		op, _ := cat.Opcode(name)
		r.names[op] = name
	}

	go r.accept()
	t.Cleanup(r.stop)
	return r
}

func (r *mockRobot) accept() {
	for {
		conn, err := r.ln.Accept()
		if err != nil {
			return
		}

		r.mu.Lock()
		idx := len(r.conns)
		r.conns = append(r.conns, conn)
		r.mu.Unlock()

		go r.serve(idx, conn)
	}
}

func (r *mockRobot) serve(idx int, conn net.Conn) {
	defer conn.Close()
	br := bufio.NewReader(conn)
	for {
		req, err := socket.ReadRequest(br)
		if err != nil {
			return
		}

		in := received{conn: idx, name: r.names[req.Opcode], req: req}
		r.mu.Lock()
		r.requests = append(r.requests, in)
		r.mu.Unlock()

		if r.reply == nil {
			continue
		}
		for _, body := range r.reply(in) {
			if _, err := conn.Write(body); err != nil {
				return
			}
		}
	}
}

func (r *mockRobot) stop() {
	_ = r.ln.Close()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.conns {
		_ = c.Close()
	}
}

func (r *mockRobot) addr() (host, port string) {
	host, port, err := net.SplitHostPort(r.ln.Addr().String())
	require.NoError(r.t, err)
	return host, port
}

func (r *mockRobot) accepted() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// dropConn closes the idx-th accepted connection from the robot side.
func (r *mockRobot) dropConn(idx int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_ = r.conns[idx].Close()
}

func (r *mockRobot) requestsFor(name string) []received {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []received
	for _, in := range r.requests {
		if in.name == name {
			out = append(out, in)
		}
	}
	return out
}

func (r *mockRobot) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

func text(id, payload string) []byte {
	return socket.EncodeReply(id, socket.TagText, []byte(payload))
}

// connect connects c to r and waits for both channels.
func connect(t *testing.T, c *Client, r *mockRobot) {
	host, port := r.addr()
	done := make(chan bool, 1)
	c.Connect(host, port, func(ok bool) { done <- ok })

	select {
	case ok := <-done:
		require.True(t, ok, "connect failed")
	case <-time.After(3 * time.Second):
		t.Fatal("connect callback not called")
	}
	require.Eventually(t, c.DataConnected, 2*time.Second, 10*time.Millisecond)
}

// collector gathers handler payloads.
type collector struct {
	mu  sync.Mutex
	got [][]byte
}

func newCollector() *collector {
	return &collector{}
}

func (c *collector) handle(p []byte) {
	c.mu.Lock()
	c.got = append(c.got, append([]byte(nil), p...))
	c.mu.Unlock()
}

func (c *collector) all() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.got...)
}

func (c *collector) wait(t *testing.T, n int) [][]byte {
	t.Helper()
	require.Eventually(t, func() bool { return len(c.all()) >= n }, 3*time.Second, 5*time.Millisecond)
	return c.all()
}
