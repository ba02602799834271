package client

import (
	"encoding/json"

	"github.com/lattesec/log"
)

const HeartbeatRequest = "HEART_BEAT"

var heartbeatPing = []byte(`{"data": "Ping"}`)

// beat runs on every heartbeat tick. While connected it pings the robot,
// otherwise it reconnects unless the user disconnected on purpose.
func (c *Client) beat() {
	c.mu.Lock()
	host, port, byUser := c.host, c.port, c.userDisconnect
	c.mu.Unlock()

	if host == "" || port == "" {
		log.Debug().
			WithMeta("scope", "heartbeat").
			Msg("not connected to a server yet").
			Send()
		return
	}

	if c.control.IsOpen() {
		if err := c.SendRequest(HeartbeatRequest, heartbeatPing, ""); err != nil {
			c.metrics.HeartbeatFailed()
			log.Warn().
				WithMeta("scope", "heartbeat").
				Msgf("failed to send heartbeat: %v", err).
				Send()
		}
		return
	}

	if !byUser {
		c.reconnect(host, port)
	}
}

func (c *Client) heartbeatReply(payload []byte) {
	if pong(payload) {
		return
	}

	c.metrics.HeartbeatFailed()
	log.Warn().
		WithMeta("scope", "heartbeat").
		Msgf("invalid heartbeat reply: %.64q", payload).
		Send()

	host, port := c.Endpoint()
	c.reconnect(host, port)
}

// pong reports whether payload is an object whose data field is "Pong".
func pong(payload []byte) bool {
	var reply map[string]json.RawMessage
	if err := json.Unmarshal(payload, &reply); err != nil || reply == nil {
		return false
	}

	var data string
	if err := json.Unmarshal(reply["data"], &data); err != nil {
		return false
	}
	return data == "Pong"
}

func (c *Client) reconnect(host, port string) {
	c.metrics.Reconnect(c.cfg.Control.Name)
	log.Info().
		WithMeta("scope", "heartbeat").
		Msgf("reconnecting to %s:%s", host, port).
		Send()

	c.Connect(host, port, func(ok bool) {
		if ok {
			log.Debug().WithMeta("scope", "heartbeat").Msg("reconnect success").Send()
		} else {
			log.Warn().WithMeta("scope", "heartbeat").Msg("reconnect failed").Send()
		}
	})
}

// StopHeartbeat cancels the heartbeat timer. Neither pings nor automatic
// reconnects happen until RestartHeartbeat.
func (c *Client) StopHeartbeat() {
	c.heartbeat.Stop()
}

// RestartHeartbeat rebinds the heartbeat reply handler and starts the timer
// unless it is already running.
func (c *Client) RestartHeartbeat() {
	if err := c.RegisterHandler(HeartbeatRequest, c.heartbeatReply); err != nil {
		log.Warn().
			WithMeta("scope", "heartbeat").
			Msgf("heartbeat replies will be dropped: %v", err).
			Send()
	}

	if c.heartbeat.Running() {
		log.Info().
			WithMeta("scope", "heartbeat").
			Msg("heartbeat is already running").
			Send()
		return
	}
	c.heartbeat.Start(c.cfg.HeartbeatInterval)
}
