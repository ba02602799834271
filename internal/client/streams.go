package client

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/lattesec/agvclient/internal/periodic"
	"github.com/lattesec/log"
)

// Stream is a request polled on a fixed interval while started.
type Stream struct {
	Name     string
	Request  string
	Interval time.Duration
	Control  bool // polled on the control channel instead of the data channel
}

var Streams = []Stream{
	{Name: "agv_position", Request: "LOCALIZATION_QUALITY", Interval: 100 * time.Millisecond},
	{Name: "point_cloud", Request: "GET_POINT_CLOUD", Interval: 100 * time.Millisecond},
	{Name: "camera_point_cloud", Request: "GET_CAMERA_POINT_CLOUD", Interval: 200 * time.Millisecond},
	{Name: "qr_camera_data", Request: "GET_QR_CAMERA_DATA", Interval: 50 * time.Millisecond},
	{Name: "scan_point_cloud", Request: "GET_SCAN2POINTCLOUD", Interval: 200 * time.Millisecond},
	{Name: "obstacle_polygon", Request: "GET_OBST_POLYGON", Interval: 70 * time.Millisecond},
	{Name: "obstacle_point_cloud", Request: "GET_OBST_PCL", Interval: 70 * time.Millisecond},
	{Name: "model_polygon", Request: "GET_MODEL_POLYGON", Interval: 70 * time.Millisecond},
	{Name: "robot_state", Request: "GET_ROBOT_STATE", Interval: 50 * time.Millisecond},
	{Name: "sysinfo", Request: "GET_SYSINFO", Interval: time.Second, Control: true},
}

func lookupStream(name string) (Stream, bool) {
	for _, s := range Streams {
		if s.Name == name {
			return s, true
		}
	}
	return Stream{}, false
}

func (c *Client) initStreams() {
	for _, s := range Streams {
		s := s
		c.streams[s.Name] = periodic.New(s.Name, func() {
			var err error
			if s.Control {
				err = c.SendRequest(s.Request, nil, "")
			} else {
				err = c.SendOnDataChannel(s.Request, nil, "")
			}
			if err != nil {
				log.Debug().
					WithMeta("scope", "stream").
					WithMeta("stream", s.Name).
					Msgf("poll skipped: %v", err).
					Send()
			}
		})
	}
}

// StartStream binds h to the stream's replies and starts polling. Starting
// a running stream only replaces its handler.
func (c *Client) StartStream(name string, h Handler) error {
	s, ok := lookupStream(name)
	if !ok {
		return fmt.Errorf("%w: stream %s", ErrUnknownOperation, name)
	}
	return c.process(s.Request, h, func() error {
		c.streams[s.Name].Start(s.Interval)
		return nil
	})
}

// StopStream stops polling. Replies already in flight still reach the
// handler.
func (c *Client) StopStream(name string) error {
	t, ok := c.streams[name]
	if !ok {
		return fmt.Errorf("%w: stream %s", ErrUnknownOperation, name)
	}
	t.Stop()
	return nil
}

func (c *Client) StreamRunning(name string) bool {
	t, ok := c.streams[name]
	return ok && t.Running()
}

func (c *Client) stopStreams() {
	for _, t := range c.streams {
		t.Stop()
	}
}

func (c *Client) stopDataStreams() {
	for _, s := range Streams {
		if !s.Control {
			c.streams[s.Name].Stop()
		}
	}
}

// onceRequests are the streams that can also be fetched a single time on
// the control channel.
var onceRequests = map[string]string{
	"scan_point_cloud":     "GET_SCAN2POINTCLOUD",
	"obstacle_polygon":     "GET_OBST_POLYGON",
	"obstacle_point_cloud": "GET_OBST_PCL",
	"model_polygon":        "GET_MODEL_POLYGON",
}

// FetchOnce sends one request of a pollable stream without starting it.
func (c *Client) FetchOnce(name string, h Handler) error {
	req, ok := onceRequests[name]
	if !ok {
		return fmt.Errorf("%w: %s_once", ErrUnknownOperation, name)
	}
	return c.process(req, h, func() error {
		return c.SendRequest(req, nil, "")
	})
}

type cameraTarget struct {
	IP   *string `json:"ip"`
	Port *string `json:"port"`
}

// CameraPointCloudSingle asks for one 3D camera point cloud on the data
// channel. Before the first Connect args must name the robot as
// {"ip": "...", "port": "..."}.
func (c *Client) CameraPointCloudSingle(args string, h Handler) error {
	host, port := c.Endpoint()
	if host == "" || port == "" {
		var target cameraTarget
		if err := json.Unmarshal([]byte(args), &target); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
		}
		if target.IP == nil || target.Port == nil {
			return fmt.Errorf("%w: ip and port are required", ErrInvalidArguments)
		}
		if *target.IP == "" || *target.Port == "" {
			return fmt.Errorf("%w: ip or port is empty", ErrInvalidArguments)
		}
	}

	log.Info().
		WithMeta("scope", "stream").
		Msgf("single camera point cloud, data channel connected=%t", c.data.IsOpen()).
		Send()

	return c.process("GET_CAMERA_POINT_CLOUD", h, func() error {
		return c.SendOnDataChannel("GET_CAMERA_POINT_CLOUD", []byte("-3d"), "")
	})
}
