package socket

import (
	"errors"
	"time"
)

var ErrAddressRequired = errors.New("address is required")

type ConnConfig struct {
	Name string `yaml:"name"` // The name of the channel. This only really holds significance in logs and metrics.

	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	ReconnectionDelay    time.Duration `yaml:"reconnection_delay"`     // Delay before the first reconnect attempt
	MaxReconnectionDelay time.Duration `yaml:"max_reconnection_delay"` // Upper bound for repeated attempts

	MessageSendTimeout time.Duration `yaml:"message_send_timeout"` // The maximum amount of time to wait for a frame to be written

	MaxMessageSize int  `yaml:"max_message_size"` // Largest inbound frame accepted before the channel is dropped
	ReceiveBuffer  int  `yaml:"receive_buffer"`   // SO_RCVBUF, 0 keeps the OS default
	NoDelay        bool `yaml:"no_delay"`

	AcceptTags []Tag `yaml:"-"` // Inbound payload encodings this channel understands
}

func (c *ConnConfig) Validate() error {
	if c.Name == "" {
		return errors.New("channel name is required")
	}
	if len(c.AcceptTags) == 0 {
		return errors.New("channel accepts no payload tags")
	}
	return nil
}

func (c *ConnConfig) accepts(t Tag) bool {
	for _, a := range c.AcceptTags {
		if a == t {
			return true
		}
	}
	return false
}

// DefaultControlConfig is the command channel: structured text and msgpack
// replies, default socket options.
func DefaultControlConfig() *ConnConfig {
	return &ConnConfig{
		Name: "control",

		ConnectTimeout: 3 * time.Second,

		ReconnectionDelay:    time.Second,
		MaxReconnectionDelay: 30 * time.Second,

		MessageSendTimeout: 5 * time.Second,

		MaxMessageSize: 4 << 20, // 4MB

		AcceptTags: []Tag{TagText, TagMsgpack},
	}
}

// DefaultDataConfig is the bulk channel: structured text and raw replies,
// a large receive buffer and no Nagle delay.
func DefaultDataConfig() *ConnConfig {
	return &ConnConfig{
		Name: "data",

		ConnectTimeout: 3 * time.Second,

		ReconnectionDelay:    time.Second,
		MaxReconnectionDelay: 30 * time.Second,

		MessageSendTimeout: 5 * time.Second,

		MaxMessageSize: 16 << 20, // 16MB
		ReceiveBuffer:  1 << 20,  // 1MB
		NoDelay:        true,

		AcceptTags: []Tag{TagText, TagRaw},
	}
}
