package socket

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func startMockServer(t *testing.T, handler func(net.Conn)) (addr string, stop func()) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NoError(t, err, "failed to start mock server")
	t.Logf("started mock server at %s\n", ln.Addr().String())

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}

			t.Logf("accepted connection from %s\n", conn.RemoteAddr().String())
			go handler(conn)
		}
	}()

	return ln.Addr().String(), func() { _ = ln.Close() }
}

// echoServer replies to every request with reply(req), tagged tag.
func echoServer(tag Tag, reply func(Request) []byte) func(net.Conn) {
	return func(c net.Conn) {
		defer c.Close()
		r := bufio.NewReader(c)
		for {
			req, err := ReadRequest(r)
			if err != nil {
				return
			}
			if _, err := c.Write(EncodeReply(req.ID, tag, reply(req))); err != nil {
				return
			}
		}
	}
}

func testConfig(name string, tags ...Tag) *ConnConfig {
	cfg := DefaultControlConfig()
	cfg.Name = name
	cfg.ConnectTimeout = time.Second
	if len(tags) > 0 {
		cfg.AcceptTags = tags
	}
	return cfg
}

const testID = "0f8fad5b-d9cb-469f-a165-70867728950e"
