package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	daemon "github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"sockrpc/config"
	"sockrpc/endpoint"
	"sockrpc/hub"
	"sockrpc/loadbalance"
	"sockrpc/peer"
	"sockrpc/transport"
)

const shutdownTimeout = 10 * time.Second

func main() {
	root := &cobra.Command{
		Use:           "sockrpc",
		Short:         "sockrpc hub and peer CLI",
		Long:          "Run a sockrpc hub, keep a peer online, or invoke an operation through a hub.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var envFile string
	root.PersistentFlags().StringVarP(&envFile, "env", "e", ".env", "dotenv file to load before reading the environment")

	var hubAddr string
	cmdHub := &cobra.Command{
		Use:   "hub",
		Short: "Run a hub",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHub(envFile, hubAddr)
		},
	}
	cmdHub.Flags().StringVarP(&hubAddr, "listen", "l", "", "listen address (overrides SOCKRPC_ADDR)")
	root.AddCommand(cmdHub)

	var peerHub string
	cmdPeer := &cobra.Command{
		Use:   "peer",
		Short: "Connect a peer that answers ping and echo until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPeer(envFile, peerHub)
		},
	}
	cmdPeer.Flags().StringVarP(&peerHub, "hub", "H", "", "hub address (overrides SOCKRPC_HUB_ADDR)")
	root.AddCommand(cmdPeer)

	var (
		callHub       string
		callTo        string
		callBroadcast bool
	)
	cmdCall := &cobra.Command{
		Use:   "call EVENT [ARG...]",
		Short: "Invoke EVENT on the hub, a peer or every peer and print the result",
		Long: "Each ARG is sent as JSON when it parses as JSON and as a string otherwise, " +
			"so `sockrpc call add 1 2` sends numbers and `sockrpc call greet bob` sends \"bob\".",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if callBroadcast && callTo != "" {
				return errors.New("--to and --broadcast are mutually exclusive")
			}
			return runCall(cmd.Context(), envFile, callHub, callTo, callBroadcast, args[0], args[1:])
		},
	}
	cmdCall.Flags().StringVarP(&callHub, "hub", "H", "", "hub address (overrides SOCKRPC_HUB_ADDR)")
	cmdCall.Flags().StringVarP(&callTo, "to", "t", "", "target peer ID; the hub itself when empty")
	cmdCall.Flags().BoolVarP(&callBroadcast, "broadcast", "b", false, "invoke on every other connected peer")
	root.AddCommand(cmdCall)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func load(envFile string) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.RequireSharedRegistry(); err != nil {
		return nil, nil, err
	}
	logger, err := cfg.Logger()
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func runHub(envFile, addr string) error {
	cfg, logger, err := load(envFile)
	if err != nil {
		return err
	}
	defer logger.Sync()
	if addr != "" {
		cfg.Addr = addr
	}

	reg, err := cfg.OpenRegistry(logger)
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}
	if reg != nil {
		defer reg.Close()
	}

	h := hub.New(cfg.HubConfig(logger, reg))
	if err := h.Handle("ping", func() string { return "pong" }); err != nil {
		return err
	}
	if err := h.Handle("peers", h.Peers); err != nil {
		return err
	}

	ln, err := transport.Listen(cfg.Transport, cfg.Addr, transport.Options{})
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}

	errc := make(chan error, 1)
	go func() { errc <- h.Serve(ln) }()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errc:
		return err
	case s := <-sig:
		logger.Info("shutting down", zap.String("signal", s.String()))
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err := h.Shutdown(shutdownTimeout); err != nil {
		logger.Warn("shutdown incomplete", zap.Error(err))
	}
	return <-errc
}

func runPeer(envFile, hubAddr string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, logger, err := load(envFile)
	if err != nil {
		return err
	}
	defer logger.Sync()
	if hubAddr != "" {
		cfg.HubAddr = hubAddr
	}

	p, err := dial(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer p.Close()

	if err := p.Handle("ping", func() string { return "pong" }); err != nil {
		return err
	}
	if err := p.On("echo", func(_ context.Context, args endpoint.Args) (any, error) {
		return args, nil
	}); err != nil {
		return err
	}
	logger.Info("peer online", zap.String("id", p.ID()), zap.String("hub", p.HubID()))

	select {
	case <-ctx.Done():
		return nil
	case <-p.Done():
		return errors.New("connection to hub lost")
	}
}

func runCall(ctx context.Context, envFile, hubAddr, to string, broadcast bool, event string, rawArgs []string) error {
	cfg, logger, err := load(envFile)
	if err != nil {
		return err
	}
	defer logger.Sync()
	if hubAddr != "" {
		cfg.HubAddr = hubAddr
	}

	p, err := dial(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer p.Close()

	args := make([]any, len(rawArgs))
	for i, a := range rawArgs {
		args[i] = cliArg(a)
	}

	var out any
	switch {
	case broadcast:
		out, err = p.Broadcast(ctx, event, args...)
	case to != "":
		out, err = p.InvokeOn(ctx, event, to, args...)
	default:
		out, err = p.Invoke(ctx, event, args...)
	}
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// dial connects directly, or through discovery when a registry is configured.
func dial(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*peer.Peer, error) {
	pc := cfg.PeerConfig(logger)
	reg, err := cfg.OpenRegistry(logger)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	if reg == nil {
		return peer.Dial(ctx, pc)
	}
	defer reg.Close()
	bal, err := loadbalance.New(cfg.Balancer)
	if err != nil {
		return nil, err
	}
	return peer.DialDiscovered(ctx, reg, bal, pc)
}

func cliArg(s string) any {
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	return s
}
