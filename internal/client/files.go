package client

import (
	"encoding/json"
	"fmt"

	"github.com/lattesec/agvclient/internal/transfer"
	"github.com/lattesec/log"
)

type uploadArgs struct {
	FilePath string `json:"filepath"`
	Type     string `json:"type"`
}

// UploadFile sends a local file in chunks paced by the client. args is
// {"filepath": "...", "type": "..."}.
func (c *Client) UploadFile(args string, h Handler) error {
	var in uploadArgs
	if err := json.Unmarshal([]byte(args), &in); err != nil {
		log.Error().
			WithMeta("scope", "transfer").
			Msgf("invalid upload arguments: %v", err).
			Send()
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if in.FilePath == "" {
		return fmt.Errorf("%w: filepath is required", ErrInvalidArguments)
	}
	return c.transfers.Upload.Start(in.FilePath, in.Type, h)
}

// PushMap sends a local map file, paced by the robot.
func (c *Client) PushMap(path string, h Handler) error {
	return c.transfers.Push.Start(path, h)
}

// PullMap downloads map name into <root>/map/.
func (c *Client) PullMap(name string, h Handler) error {
	return c.transfers.Pull.Start(transfer.KindMap, name, h)
}

func (c *Client) GetLogFile(name string, h Handler) error {
	return c.transfers.Pull.Start(transfer.KindLog, name, h)
}

// GetModelFile downloads the model parameters; an empty name fetches the
// default file.
func (c *Client) GetModelFile(name string, h Handler) error {
	return c.transfers.Pull.Start(transfer.KindModel, name, h)
}

func (c *Client) GetTeachinFile(name string, h Handler) error {
	return c.transfers.Pull.Start(transfer.KindTeachin, name, h)
}

// Transfers reports which transfer kinds are active.
func (c *Client) Transfers() (upload, push, pull bool) {
	return c.transfers.Active()
}
