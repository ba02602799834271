package client

import (
	"errors"
	"fmt"
	"time"

	"github.com/lattesec/agvclient/internal/probe"
	"github.com/lattesec/agvclient/internal/socket"
	"github.com/lattesec/agvclient/internal/transfer"
)

const DefaultCatalogFile = "requestname2cmd.yaml"

type UploadConfig struct {
	ChunkSize  int           `yaml:"chunk_size"`
	FirstDelay time.Duration `yaml:"first_delay"` // before the first chunk
	NextDelay  time.Duration `yaml:"next_delay"`  // between chunks
	BusyDelay  time.Duration `yaml:"busy_delay"`  // retry when a control write is in flight
}

type Config struct {
	CatalogPath string `yaml:"catalog_path"` // request name -> opcode resource
	StorageRoot string `yaml:"storage_root"` // pulled files land under <root>/<kind>/

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	SettleDelay       time.Duration `yaml:"settle_delay"`     // between teardown and dial on Connect
	OTAPollInterval   time.Duration `yaml:"ota_poll_interval"` // upgrade status polling
	SCPTimeout        time.Duration `yaml:"scp_timeout"`

	Control *socket.ConnConfig `yaml:"control"`
	Data    *socket.ConnConfig `yaml:"data"`

	Probe  probe.Prober `yaml:"probe"`
	Upload UploadConfig `yaml:"upload"`
}

func DefaultConfig() *Config {
	opts := transfer.DefaultOptions()
	return &Config{
		CatalogPath: DefaultCatalogFile,
		StorageRoot: ".",

		HeartbeatInterval: 19 * time.Second,
		SettleDelay:       100 * time.Millisecond,
		OTAPollInterval:   5 * time.Second,
		SCPTimeout:        30 * time.Second,

		Control: socket.DefaultControlConfig(),
		Data:    socket.DefaultDataConfig(),

		Probe: *probe.New(),
		Upload: UploadConfig{
			ChunkSize:  opts.ChunkSize,
			FirstDelay: opts.UploadFirstDelay,
			NextDelay:  opts.UploadNextDelay,
			BusyDelay:  opts.UploadBusyDelay,
		},
	}
}

func (c *Config) Validate() error {
	if c.HeartbeatInterval <= 0 {
		return errors.New("heartbeat interval must be positive")
	}
	if c.Control == nil || c.Data == nil {
		return errors.New("both channel configs are required")
	}
	if err := c.Control.Validate(); err != nil {
		return fmt.Errorf("control channel: %w", err)
	}
	if err := c.Data.Validate(); err != nil {
		return fmt.Errorf("data channel: %w", err)
	}
	if c.Control.Name == c.Data.Name {
		return fmt.Errorf("channels share the name %q", c.Control.Name)
	}
	return nil
}

func (c *Config) transferOptions() transfer.Options {
	return transfer.Options{
		Root:      c.StorageRoot,
		ChunkSize: c.Upload.ChunkSize,

		UploadFirstDelay: c.Upload.FirstDelay,
		UploadNextDelay:  c.Upload.NextDelay,
		UploadBusyDelay:  c.Upload.BusyDelay,
	}
}
