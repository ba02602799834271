package client

import (
	"encoding/json"
	"strings"

	"github.com/lattesec/agvclient/internal/probe"
	"github.com/lattesec/log"
)

// CheckConnectivity dials every address on the robot control port and
// reports [{"ip": ..., "connected": ...}, ...] to h once all attempts
// finished.
func (c *Client) CheckConnectivity(addrs []string, h Handler) error {
	if h == nil {
		return ErrNilHandler
	}

	log.Info().
		WithMeta("scope", "probe").
		Msgf("checking %d addresses", len(addrs)).
		Send()

	c.prober.Check(c.ctx, addrs, func(results []probe.Result) {
		out, err := json.Marshal(results)
		if err != nil {
			out = []byte("[]")
		}
		log.Info().
			WithMeta("scope", "probe").
			Msg("connectivity check finished").
			Send()
		c.post(func() { h(out) })
	})
	return nil
}

// parseAddrs accepts a JSON array of strings or a comma separated list.
func parseAddrs(args string) []string {
	var addrs []string
	if err := json.Unmarshal([]byte(args), &addrs); err == nil {
		return addrs
	}

	addrs = nil
	for _, a := range strings.Split(args, ",") {
		if a = strings.TrimSpace(a); a != "" {
			addrs = append(addrs, a)
		}
	}
	return addrs
}
