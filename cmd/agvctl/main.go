// Package main is the agvctl command line: a debug harness for the robot
// protocol client.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/lattesec/agvclient/internal/client"
	"github.com/lattesec/agvclient/internal/env"
	"github.com/lattesec/agvclient/internal/gateway"
	"github.com/lattesec/agvclient/internal/helpers/cleanup"
	"github.com/lattesec/agvclient/internal/probe"
	"github.com/lattesec/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var (
	configPath string
	host       string
	port       string

	callCount   int
	callTimeout time.Duration
	listenAddr  string

	rootCmd = &cobra.Command{
		Use:           "agvctl",
		Short:         "Talk to a robot over its control and data channels.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	callCmd = &cobra.Command{
		Use:   "call <operation> [args]",
		Short: "Connects, runs one operation and prints its replies.",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runCall,
	}

	probeCmd = &cobra.Command{
		Use:   "probe <address>...",
		Short: "Checks which addresses accept connections on the robot port.",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runProbe,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Connects and exposes the operations over a websocket gateway.",
		RunE:  runServe,
	}

	opsCmd = &cobra.Command{
		Use:   "ops",
		Short: "Lists the available operations.",
		Run: func(cmd *cobra.Command, _ []string) {
			for _, name := range client.OperationNames() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
		},
	}
)

func loadConfig() (*client.Config, error) {
	cfg := client.DefaultConfig()
	if configPath != "" {
		if err := env.LoadFile(configPath, cfg); err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		return cfg, nil
	}
	if err := env.NewLoader().Load("agvclient", cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// connected builds a client and waits for the control channel.
func connected(ctx context.Context, reg prometheus.Registerer) (*client.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	var opts []client.Option
	if reg != nil {
		opts = append(opts, client.WithRegisterer(reg))
	}
	c, err := client.New(cfg, opts...)
	if err != nil {
		return nil, err
	}

	done := make(chan bool, 1)
	c.Connect(host, port, func(ok bool) { done <- ok })

	select {
	case ok := <-done:
		if !ok {
			_ = c.Close()
			return nil, fmt.Errorf("failed to connect to %s:%s", host, port)
		}
	case <-ctx.Done():
		_ = c.Close()
		return nil, ctx.Err()
	}
	return c, nil
}

func runCall(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), callTimeout)
	defer cancel()

	c, err := connected(ctx, nil)
	if err != nil {
		return err
	}
	defer c.Close()

	var callArgs string
	if len(args) > 1 {
		callArgs = args[1]
	}

	replies := make(chan []byte, callCount)
	err = c.Call(args[0], callArgs, func(p []byte) {
		select {
		case replies <- append([]byte(nil), p...):
		default:
		}
	})
	if err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}

	out := cmd.OutOrStdout()
	for i := 0; i < callCount; i++ {
		select {
		case p := <-replies:
			fmt.Fprintln(out, printable(p))
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s: %w", args[0], ctx.Err())
		}
	}
	return nil
}

// printable keeps JSON replies as they are and hex dumps anything else.
func printable(p []byte) string {
	if json.Valid(p) {
		return string(p)
	}
	return fmt.Sprintf("%d bytes: %x", len(p), p)
}

func runProbe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	p := &probe.Prober{Port: cfg.Probe.Port, Timeout: cfg.Probe.Timeout}
	results := p.Run(cmd.Context(), args)

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	reg := prometheus.NewRegistry()
	c, err := connected(ctx, reg)
	if err != nil {
		return err
	}
	cleanup.Register(c.Close)

	errs := make(chan error, 1)
	go func() {
		errs <- gateway.New(c, reg).ListenAndServe(ctx, listenAddr)
	}()
	go func() {
		cleanup.Wait()
		cancel()
	}()

	select {
	case err := <-errs:
		cleanup.Run()
		return err
	case <-ctx.Done():
		return <-errs
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: search the agvclient config directories)")
	rootCmd.PersistentFlags().StringVar(&host, "host", "127.0.0.1", "robot address")
	rootCmd.PersistentFlags().StringVar(&port, "port", probe.DefaultPort, "robot control port")

	callCmd.Flags().IntVarP(&callCount, "count", "n", 1, "number of replies to wait for")
	callCmd.Flags().DurationVar(&callTimeout, "timeout", 10*time.Second, "give up after this long")

	serveCmd.Flags().StringVar(&listenAddr, "listen", "127.0.0.1:8080", "gateway listen address")

	rootCmd.AddCommand(
		callCmd,
		probeCmd,
		serveCmd,
		opsCmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error().
			WithMeta("scope", "agvctl").
			Msg(strings.TrimSpace(err.Error())).
			Send()
		os.Exit(1)
	}
}
