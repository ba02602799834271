package client

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jpillora/sizestr"
	"github.com/lattesec/agvclient/internal/scp"
	"github.com/lattesec/agvclient/internal/status"
	"github.com/lattesec/agvclient/internal/transfer"
	"github.com/lattesec/log"
)

type videoArgs struct {
	Host       *string `json:"host"`
	Port       *string `json:"port"`
	Username   *string `json:"username"`
	Password   *string `json:"password"`
	RemoteFile *string `json:"remote_file"`
}

func (a videoArgs) valid() bool {
	return a.Host != nil && a.Username != nil && a.Password != nil && a.RemoteFile != nil
}

// GetCameraVideo copies a recorded video off the robot over scp. args is
// {"host", "port"?, "username", "password", "remote_file"}. Only one copy
// runs at a time; the result is posted to h from the dispatcher.
func (c *Client) GetCameraVideo(args string, h Handler) error {
	if h == nil {
		return ErrNilHandler
	}

	var in videoArgs
	if err := json.Unmarshal([]byte(args), &in); err != nil {
		log.Error().
			WithMeta("scope", "video").
			Msgf("invalid argument: %v", err).
			Send()
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if !in.valid() {
		return fmt.Errorf("%w: host, username, password and remote_file are required", ErrInvalidArguments)
	}
	if *in.RemoteFile == "" {
		return fmt.Errorf("%w: remote_file is empty", ErrInvalidArguments)
	}

	local, err := transfer.Destination(c.cfg.StorageRoot, transfer.KindVideo, *in.RemoteFile)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}

	if !c.downloading.CompareAndSwap(false, true) {
		log.Error().
			WithMeta("scope", "video").
			Msg("downloading another file now, please wait").
			Send()
		return ErrBusy
	}

	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		c.downloading.Store(false)
		return fmt.Errorf("%w: %v", transfer.ErrCreateDirectory, err)
	}

	cfg := scp.Config{
		Host:     *in.Host,
		Port:     scp.DefaultPort,
		User:     *in.Username,
		Password: *in.Password,
		Timeout:  c.cfg.SCPTimeout,
	}
	if in.Port != nil && *in.Port != "" {
		cfg.Port = *in.Port
	}
	remote := "/home/" + cfg.User + "/docker_share/video/" + *in.RemoteFile

	log.Debug().
		WithMeta("scope", "video").
		WithMeta("remote", remote).
		WithMeta("local", local).
		Msgf("downloading from %s:%s", cfg.Host, cfg.Port).
		Send()

	go func() {
		defer c.downloading.Store(false)

		var last int64
		err := scp.Download(c.ctx, cfg, remote, local, func(received, total int64) {
			c.metrics.TransferProgress(transfer.KindVideo.String(), int(received-last))
			last = received
			if received == total {
				log.Info().
					WithMeta("scope", "video").
					Msgf("received %s", sizestr.ToString(total)).
					Send()
			}
		})

		var reply []byte
		if err != nil {
			log.Error().
				WithMeta("scope", "video").
				Msgf("scp download failed: %v", err).
				Send()
			c.metrics.TransferDone(transfer.KindVideo.String(), "failure")
			reply = status.Response(status.GetFileFailed, err.Error())
		} else {
			c.metrics.TransferDone(transfer.KindVideo.String(), "success")
			reply = status.ResponseWithData(status.Success, "success", map[string]string{"filename": local})
		}
		c.post(func() { h(reply) })
	}()

	return nil
}
