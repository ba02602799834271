// Package scp fetches single files from the robot over ssh with the classic
// scp protocol.
package scp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jpillora/sizestr"
	"github.com/lattesec/log"
	"golang.org/x/crypto/ssh"
)

const DefaultPort = "22"

type Config struct {
	Host     string
	Port     string
	User     string
	Password string
	Timeout  time.Duration
}

func (c Config) address() string {
	port := c.Port
	if port == "" {
		port = DefaultPort
	}
	return net.JoinHostPort(c.Host, port)
}

func (c Config) Validate() error {
	if c.Host == "" {
		return errors.New("host is required")
	}
	if c.User == "" {
		return errors.New("user is required")
	}
	return nil
}

// Download copies remote into local. The file is written to local+".part"
// and renamed into place once complete.
//
// Host keys are not verified.
func Download(ctx context.Context, cfg Config, remote, local string, progress Progress) (err error) {
	if err := cfg.Validate(); err != nil {
		return err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	addr := cfg.address()
	var d net.Dialer
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, err := d.DialContext(dctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.Password(cfg.Password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	})
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	// ctx cancels a transfer in progress by tearing the connection down
	stop := context.AfterFunc(ctx, func() { _ = client.Close() })
	defer stop()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("ssh session: %w", err)
	}
	defer session.Close()

	stdin, err := session.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		return err
	}
	var stderr bytes.Buffer
	session.Stderr = &stderr

	if err := session.Start("scp -f " + quote(remote)); err != nil {
		return fmt.Errorf("start scp: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return err
	}
	part := local + ".part"
	f, err := os.OpenFile(part, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(part)
		}
	}()

	h, err := Receive(stdout, stdin, f, progress)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			err = fmt.Errorf("%w (%s)", err, msg)
		}
		return err
	}
	_ = stdin.Close()

	if werr := session.Wait(); werr != nil {
		var missing *ssh.ExitMissingError
		if !errors.As(werr, &missing) {
			log.Debug().
				WithMeta("scope", "scp").
				WithMeta("peer", addr).
				Msgf("scp exited: %v", werr).
				Send()
		}
	}

	if err = os.Rename(part, local); err != nil {
		return err
	}

	log.Info().
		WithMeta("scope", "scp").
		WithMeta("peer", addr).
		Msgf("downloaded %s (%s) to %s", remote, sizestr.ToString(h.Size), local).
		Send()
	return nil
}

// quote wraps s in single quotes for the remote shell.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
