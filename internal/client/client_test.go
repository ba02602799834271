package client

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lattesec/agvclient/internal/catalog"
	"github.com/lattesec/agvclient/internal/socket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Catalog(t *testing.T) {
	cfg := testConfig(t)
	cfg.CatalogPath = filepath.Join(t.TempDir(), "missing.yaml")
	_, err := New(cfg)
	assert.Error(t, err, "missing catalog is fatal")

	path := filepath.Join(t.TempDir(), "requestname2cmd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("config:\n  HEART_BEAT: \"0001\"\n  GET_VELOCITY: \"0x0102\"\n"), 0o644))

	cfg = testConfig(t)
	cfg.CatalogPath = path
	c, err := New(cfg, WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	defer c.Close()

	op, err := c.Catalog().Opcode("GET_VELOCITY")
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0102), op)
	assert.True(t, c.heartbeat.Running(), "heartbeat starts with the client")
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.HeartbeatInterval = 0
	_, err := New(cfg, WithCatalog(testCatalog()))
	assert.Error(t, err)

	cfg = testConfig(t)
	cfg.Data.Name = cfg.Control.Name
	_, err = New(cfg, WithCatalog(testCatalog()))
	assert.Error(t, err)
}

func TestRegisterHandler(t *testing.T) {
	c := newTestClient(t, nil)

	err := c.RegisterHandler("NOT_IN_CATALOG", func([]byte) {})
	assert.ErrorIs(t, err, catalog.ErrUnknownOperation)

	first, second := newCollector(), newCollector()
	require.NoError(t, c.RegisterHandler("GET_VELOCITY", first.handle))
	require.NoError(t, c.RegisterHandler("GET_VELOCITY", second.handle), "replacing is allowed")

	c.handler("GET_VELOCITY")([]byte("x"))
	assert.Empty(t, first.all())
	assert.Len(t, second.all(), 1)
}

func TestSendRequest_FrameAndReply(t *testing.T) {
	robot := startRobot(t, func(r received) [][]byte {
		if r.name == "GET_VELOCITY" {
			return [][]byte{text(r.req.ID, `{"v":1.5}`)}
		}
		return nil
	})
	c := newTestClient(t, nil)
	connect(t, c, robot)

	col := newCollector()
	require.NoError(t, c.RegisterHandler("GET_VELOCITY", col.handle))

	payload := `{"x":1}`
	require.NoError(t, c.SendRequest("GET_VELOCITY", []byte(payload), ""))

	got := col.wait(t, 1)
	assert.JSONEq(t, `{"v":1.5}`, string(got[0]))

	reqs := robot.requestsFor("GET_VELOCITY")
	require.Len(t, reqs, 1)
	assert.Equal(t, 0, reqs[0].conn, "sent on the control channel")
	assert.Equal(t, uint16(0x0102), reqs[0].req.Opcode)
	assert.Equal(t, uint16(socket.IDSize+len(payload)), reqs[0].req.Len)
	assert.Len(t, reqs[0].req.ID, socket.IDSize)
	assert.Equal(t, payload, string(reqs[0].req.Payload))

	assert.Eventually(t, func() bool { return c.control.Pending() == 0 }, time.Second, 5*time.Millisecond,
		"entry removed after its reply")
}

func TestSendRequest_ExplicitID(t *testing.T) {
	robot := startRobot(t, nil)
	c := newTestClient(t, nil)
	connect(t, c, robot)

	id := "0f8fad5b-d9cb-469f-a165-70867728950e"
	require.NoError(t, c.SendRequest("GET_VELOCITY", nil, id))
	require.Eventually(t, func() bool { return len(robot.requestsFor("GET_VELOCITY")) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, id, robot.requestsFor("GET_VELOCITY")[0].req.ID)
}

func TestSendRequest_NoSideEffectsOnFailure(t *testing.T) {
	c := newTestClient(t, nil)
	err := c.SendRequest("GET_VELOCITY", nil, "")
	assert.ErrorIs(t, err, socket.ErrConnectionNotEstablished)

	robot := startRobot(t, nil)
	connect(t, c, robot)

	err = c.SendRequest("NOT_IN_CATALOG", nil, "")
	assert.ErrorIs(t, err, catalog.ErrUnknownOperation)
	assert.Zero(t, c.control.Pending())

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, robot.total(), "nothing written")
}

func TestCall_UnknownOperation(t *testing.T) {
	robot := startRobot(t, nil)
	c := newTestClient(t, nil)
	connect(t, c, robot)

	err := c.Call("no_such_operation", "", func([]byte) {})
	assert.ErrorIs(t, err, ErrUnknownOperation)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, robot.total())
}

func TestCall_NilHandler(t *testing.T) {
	c := newTestClient(t, nil)
	assert.ErrorIs(t, c.Call("get_velocity", "", nil), ErrNilHandler)
}

func TestCall_AfterClose(t *testing.T) {
	c := newTestClient(t, nil)
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Call("get_velocity", "", func([]byte) {}), ErrClosed)
}

func TestConnect_Failure(t *testing.T) {
	robot := startRobot(t, nil)
	host, port := robot.addr()
	robot.stop()

	c := newTestClient(t, nil)
	done := make(chan bool, 1)
	c.Connect(host, port, func(ok bool) { done <- ok })

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(3 * time.Second):
		t.Fatal("connect callback not called")
	}
	assert.False(t, c.Connected())
	assert.False(t, c.DataConnected())

	h, p := c.Endpoint()
	assert.Equal(t, host, h, "endpoint kept for the heartbeat")
	assert.Equal(t, port, p)
}

func TestConnect_Superseded(t *testing.T) {
	robot := startRobot(t, nil)
	host, port := robot.addr()

	cfg := testConfig(t)
	cfg.SettleDelay = 100 * time.Millisecond
	c := newTestClient(t, cfg)
	first := make(chan bool, 1)
	second := make(chan bool, 1)
	c.Connect(host, port, func(ok bool) { first <- ok })
	c.Connect(host, port, func(ok bool) { second <- ok })

	assert.True(t, <-second)
	select {
	case ok := <-first:
		assert.False(t, ok, "stale attempt reports failure")
	case <-time.After(time.Second):
		// the first timer was stopped before it fired
	}
	assert.True(t, c.Connected())
}

func TestHeartbeat_PongKeepsConnection(t *testing.T) {
	robot := startRobot(t, func(r received) [][]byte {
		if r.name == HeartbeatRequest {
			return [][]byte{text(r.req.ID, `{"data":"Pong"}`)}
		}
		return nil
	})
	c := newTestClient(t, nil)
	connect(t, c, robot)

	c.beat()
	require.Eventually(t, func() bool { return len(robot.requestsFor(HeartbeatRequest)) == 1 }, time.Second, 5*time.Millisecond)
	assert.JSONEq(t, `{"data":"Ping"}`, string(robot.requestsFor(HeartbeatRequest)[0].req.Payload))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 2, robot.accepted(), "control and data only")
	assert.True(t, c.Connected())
}

func TestHeartbeat_InvalidReplyReconnects(t *testing.T) {
	robot := startRobot(t, func(r received) [][]byte {
		if r.name == HeartbeatRequest {
			return [][]byte{text(r.req.ID, `{"data":"nope"}`)}
		}
		return nil
	})
	c := newTestClient(t, nil)
	connect(t, c, robot)

	// the next tick is a minute away
	c.beat()
	assert.Eventually(t, func() bool { return robot.accepted() >= 3 }, 2*time.Second, 10*time.Millisecond,
		"reconnect immediately")
	assert.Eventually(t, c.Connected, 2*time.Second, 10*time.Millisecond)
}

func TestHeartbeat_ReconnectsAfterPeerClose(t *testing.T) {
	robot := startRobot(t, nil)
	c := newTestClient(t, nil)
	connect(t, c, robot)

	robot.dropConn(0)
	require.Eventually(t, func() bool { return !c.Connected() }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return !c.DataConnected() }, time.Second, 10*time.Millisecond,
		"data channel follows the control channel down")

	c.beat()
	assert.Eventually(t, c.Connected, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, c.DataConnected, 2*time.Second, 10*time.Millisecond)
}

func TestDisconnect_NoAutomaticReconnect(t *testing.T) {
	robot := startRobot(t, nil)
	c := newTestClient(t, nil)
	connect(t, c, robot)
	require.NoError(t, c.StartStream("point_cloud", func([]byte) {}))

	c.Disconnect()
	assert.False(t, c.Connected())
	assert.False(t, c.DataConnected())
	assert.False(t, c.StreamRunning("point_cloud"))

	n := robot.accepted()
	c.beat()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, n, robot.accepted())
}

func TestDisconnect_DataChannelStaysDown(t *testing.T) {
	robot := startRobot(t, nil)
	c := newTestClient(t, nil)
	connect(t, c, robot)
	require.Eventually(t, c.DataConnected, 2*time.Second, 10*time.Millisecond)

	c.Disconnect()
	n := robot.accepted()

	assert.ErrorIs(t, c.SendOnDataChannel("GET_POINT_CLOUD", nil, ""), socket.ErrConnectionNotEstablished)
	assert.ErrorIs(t, c.CameraPointCloudSingle("", func([]byte) {}), socket.ErrConnectionNotEstablished)
	assert.ErrorIs(t, c.connectData(), socket.ErrConnectionNotEstablished)

	time.Sleep(300 * time.Millisecond)
	assert.False(t, c.Connected())
	assert.False(t, c.DataConnected())
	assert.Equal(t, n, robot.accepted(), "nothing re-dialled")
}

func TestDataChannel_NotDialledWhileControlDown(t *testing.T) {
	robot := startRobot(t, nil)
	c := newTestClient(t, nil)
	connect(t, c, robot)
	require.Eventually(t, c.DataConnected, 2*time.Second, 10*time.Millisecond)

	// drop control without a user disconnect; the endpoint stays known
	require.NoError(t, c.control.Close())
	c.closeData()
	n := robot.accepted()

	assert.ErrorIs(t, c.SendOnDataChannel("GET_POINT_CLOUD", nil, ""), socket.ErrConnectionNotEstablished)
	c.dataFailed(socket.ErrConnectionNotEstablished)

	time.Sleep(300 * time.Millisecond)
	assert.False(t, c.DataConnected())
	assert.Equal(t, n, robot.accepted())
}

func TestStopHeartbeat(t *testing.T) {
	c := newTestClient(t, nil)
	c.StopHeartbeat()
	assert.False(t, c.heartbeat.Running())
	c.RestartHeartbeat()
	assert.True(t, c.heartbeat.Running())
	c.RestartHeartbeat()
	assert.True(t, c.heartbeat.Running())
}

func TestPong(t *testing.T) {
	assert.True(t, pong([]byte(`{"data":"Pong"}`)))
	assert.True(t, pong([]byte(`{"code":0,"data":"Pong"}`)))
	assert.False(t, pong([]byte(`{"data":"Ping"}`)))
	assert.False(t, pong([]byte(`{"data":1}`)))
	assert.False(t, pong([]byte(`["Pong"]`)))
	assert.False(t, pong([]byte(`null`)))
	assert.False(t, pong([]byte(`Pong`)))
	assert.False(t, pong(nil))
}

func TestDataChannel_SendWhileClosedFailsFast(t *testing.T) {
	c := newTestClient(t, nil)

	start := time.Now()
	err := c.SendOnDataChannel("GET_POINT_CLOUD", nil, "")
	assert.ErrorIs(t, err, socket.ErrConnectionNotEstablished)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Zero(t, c.data.Pending())
}

func TestDataChannel_ReconnectsAfterFailure(t *testing.T) {
	robot := startRobot(t, nil)
	c := newTestClient(t, nil)
	connect(t, c, robot)

	robot.dropConn(1)
	require.Eventually(t, func() bool { return robot.accepted() >= 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, c.DataConnected, 2*time.Second, 10*time.Millisecond)
	assert.True(t, c.Connected(), "control channel untouched")
}

func TestStream_PollsOnDataChannel(t *testing.T) {
	raw := []byte{0x00, 0x01, '|', 0xfe, 0xff}
	robot := startRobot(t, func(r received) [][]byte {
		if r.name == "GET_POINT_CLOUD" {
			return [][]byte{socket.EncodeReply(r.req.ID, socket.TagRaw, raw)}
		}
		return nil
	})
	c := newTestClient(t, nil)
	connect(t, c, robot)

	col := newCollector()
	require.NoError(t, c.StartStream("point_cloud", col.handle))
	assert.True(t, c.StreamRunning("point_cloud"))

	for _, got := range col.wait(t, 3) {
		assert.Equal(t, raw, got, "raw payload delivered verbatim")
	}
	for _, r := range robot.requestsFor("GET_POINT_CLOUD") {
		assert.Equal(t, 1, r.conn, "polled on the data channel")
		assert.Empty(t, r.req.Payload)
	}

	require.NoError(t, c.StopStream("point_cloud"))
	assert.False(t, c.StreamRunning("point_cloud"))

	time.Sleep(50 * time.Millisecond)
	n := len(robot.requestsFor("GET_POINT_CLOUD"))
	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, n, len(robot.requestsFor("GET_POINT_CLOUD")), "no polls after stop")
}

func TestStream_SysinfoOnControlChannel(t *testing.T) {
	robot := startRobot(t, nil)
	c := newTestClient(t, nil)
	connect(t, c, robot)

	require.NoError(t, c.StartStream("sysinfo", func([]byte) {}))
	require.Eventually(t, func() bool { return len(robot.requestsFor("GET_SYSINFO")) >= 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, robot.requestsFor("GET_SYSINFO")[0].conn)
}

func TestStream_Errors(t *testing.T) {
	c := newTestClient(t, nil)
	assert.ErrorIs(t, c.StartStream("nope", func([]byte) {}), ErrUnknownOperation)
	assert.ErrorIs(t, c.StopStream("nope"), ErrUnknownOperation)
	assert.ErrorIs(t, c.StartStream("point_cloud", nil), ErrNilHandler)
	assert.ErrorIs(t, c.StartStream("robot_state", func([]byte) {}), catalog.ErrUnknownOperation,
		"request missing from the catalog")
	assert.False(t, c.StreamRunning("robot_state"))
}

func TestFetchOnce(t *testing.T) {
	robot := startRobot(t, func(r received) [][]byte {
		return [][]byte{text(r.req.ID, `{"code":0}`)}
	})
	c := newTestClient(t, nil)
	connect(t, c, robot)

	col := newCollector()
	require.NoError(t, c.FetchOnce("scan_point_cloud", col.handle))
	col.wait(t, 1)
	reqs := robot.requestsFor("GET_SCAN2POINTCLOUD")
	require.Len(t, reqs, 1)
	assert.Equal(t, 0, reqs[0].conn)
	assert.False(t, c.StreamRunning("scan_point_cloud"))

	assert.ErrorIs(t, c.FetchOnce("point_cloud", col.handle), ErrUnknownOperation)
}

func TestCameraPointCloudSingle(t *testing.T) {
	c := newTestClient(t, nil)
	h := func([]byte) {}

	assert.ErrorIs(t, c.CameraPointCloudSingle("", h), ErrInvalidArguments)
	assert.ErrorIs(t, c.CameraPointCloudSingle(`{"ip":"10.0.0.2"}`, h), ErrInvalidArguments)
	assert.ErrorIs(t, c.CameraPointCloudSingle(`{"ip":"","port":"9034"}`, h), ErrInvalidArguments)
	assert.ErrorIs(t, c.CameraPointCloudSingle(`{"ip":"10.0.0.2","port":"9034"}`, h), socket.ErrConnectionNotEstablished)

	robot := startRobot(t, func(r received) [][]byte {
		return [][]byte{socket.EncodeReply(r.req.ID, socket.TagRaw, []byte("cloud"))}
	})
	connect(t, c, robot)

	col := newCollector()
	require.NoError(t, c.CameraPointCloudSingle("", col.handle))
	assert.Equal(t, []byte("cloud"), col.wait(t, 1)[0])

	reqs := robot.requestsFor("GET_CAMERA_POINT_CLOUD")
	require.Len(t, reqs, 1)
	assert.Equal(t, "-3d", string(reqs[0].req.Payload))
	assert.Equal(t, 1, reqs[0].conn)
}

func TestPullMap_EndToEnd(t *testing.T) {
	var continues atomic.Int32
	robot := startRobot(t, func(r received) [][]byte {
		if r.name != "PULL_MAP" {
			return nil
		}
		var in struct {
			Hint string `json:"hint"`
		}
		_ = json.Unmarshal(r.req.Payload, &in)

		switch {
		case in.Hint == "start":
			return [][]byte{text(r.req.ID, `{"code":0,"message":"start","total_size":5}`)}
		case continues.Add(1) == 1:
			return [][]byte{text(r.req.ID, `{"code":0,"message":"continue","data":[104,101]}`)}
		default:
			return [][]byte{text(r.req.ID, `{"code":0,"message":"end","data":[108,108,111]}`)}
		}
	})
	cfg := testConfig(t)
	c := newTestClient(t, cfg)
	connect(t, c, robot)

	col := newCollector()
	require.NoError(t, c.PullMap("site/a.smap", col.handle))

	var res struct {
		Code int `json:"code"`
		Data struct {
			Filename string `json:"filename"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(col.wait(t, 1)[0], &res))
	assert.Equal(t, 0, res.Code)

	dest := filepath.Join(cfg.StorageRoot, "map", "site", "a.smap")
	assert.Equal(t, dest, res.Data.Filename)
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	_, _, pull := c.Transfers()
	assert.False(t, pull)
	assert.Len(t, robot.requestsFor("PULL_MAP"), 3)
}

func TestTeardown_AbortsTransfers(t *testing.T) {
	robot := startRobot(t, nil)
	c := newTestClient(t, nil)
	connect(t, c, robot)

	col := newCollector()
	require.NoError(t, c.PullMap("a.smap", col.handle))
	_, _, pull := c.Transfers()
	require.True(t, pull)

	c.Disconnect()
	got := col.wait(t, 1)
	assert.JSONEq(t, `{"code":6,"message":"connection closed"}`, string(got[0]))

	_, _, pull = c.Transfers()
	assert.False(t, pull)
}

func TestUploadFile_FailsFastWhenNotConnected(t *testing.T) {
	c := newTestClient(t, nil)
	pth := filepath.Join(t.TempDir(), "a.bin")
	require.NoError(t, os.WriteFile(pth, []byte("payload"), 0o644))

	col := newCollector()
	err := c.UploadFile(`{"filepath":"`+pth+`","type":"map"}`, col.handle)
	assert.ErrorIs(t, err, socket.ErrConnectionNotEstablished)

	upload, _, _ := c.Transfers()
	assert.False(t, upload)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, col.all(), "no asynchronous failure report")
}

func TestUploadFile_UnknownRequest(t *testing.T) {
	robot := startRobot(t, nil)
	cat := catalog.New(map[string]uint16{"HEART_BEAT": 0x0001})
	c := newTestClient(t, nil, WithCatalog(cat))
	connect(t, c, robot)

	pth := filepath.Join(t.TempDir(), "a.bin")
	require.NoError(t, os.WriteFile(pth, []byte("payload"), 0o644))

	err := c.UploadFile(`{"filepath":"`+pth+`"}`, func([]byte) {})
	assert.ErrorIs(t, err, catalog.ErrUnknownOperation)
	upload, _, _ := c.Transfers()
	assert.False(t, upload)
}

func TestCheckConnectivity(t *testing.T) {
	c := newTestClient(t, nil)

	col := newCollector()
	require.NoError(t, c.CheckConnectivity(nil, col.handle))
	assert.Equal(t, "[]", string(col.wait(t, 1)[0]))

	robot := startRobot(t, nil)
	addr := robot.ln.Addr().String()
	col = newCollector()
	require.NoError(t, c.CheckConnectivity([]string{addr}, col.handle))
	assert.JSONEq(t, `[{"ip":"`+addr+`","connected":true}]`, string(col.wait(t, 1)[0]))

	assert.ErrorIs(t, c.CheckConnectivity(nil, nil), ErrNilHandler)
}
