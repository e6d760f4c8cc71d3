package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kuuji/carrier/internal/config"
	"github.com/kuuji/carrier/internal/control"
	"github.com/kuuji/carrier/internal/endpoint"
	"github.com/kuuji/carrier/internal/identity"
	"github.com/kuuji/carrier/internal/wire"
)

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Dial the broker and accept incoming connects",
	Long: `listen dials a broker from the bootstrap DNS records, optionally
publishes this device under its configured shadow name, and accepts any
peer connect the broker relays. Incoming streams opened at the CLI pipe
path are bridged to stdin/stdout; all else is rejected.`,
	RunE: runListen,
}

func runListen(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := validateConfig(cfg); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	builder := &endpoint.Builder{
		Secret:     cfg.Device.Secret,
		Names:      cfg.Bootstrap.Names,
		StunServer: cfg.STUN.Server,
		Log:        globalLogger,
	}
	ep, err := builder.Dial(ctx)
	if err != nil {
		return fmt.Errorf("dialing broker: %w", err)
	}

	ep.OnChannel(func(route wire.RoutingKey, peer identity.Identity, outgoing bool) {
		globalLogger.Info("channel established", "peer", peer, "outgoing", outgoing)
	})
	ep.OnIncomingConnect(func(req endpoint.IncomingConnectRequest) {
		route, err := ep.AcceptIncomingConnect(req.StreamID, pipeFactory{})
		if err != nil {
			globalLogger.Error("accepting incoming connect", "identity", req.Identity, "err", err)
			return
		}
		globalLogger.Info("accepted incoming connect", "identity", req.Identity, "route", route)
	})

	if cfg.Device.Shadow != "" {
		if err := publishShadow(ep, cfg); err != nil {
			globalLogger.Error("publishing shadow", "shadow", cfg.Device.Shadow, "err", err)
		} else {
			globalLogger.Info("published", "shadow", cfg.Device.Shadow)
		}
	}

	startedAt := time.Now()
	srv := control.NewServer(control.ResolveSocketPath(), func() control.Status {
		return ep.Snapshot(ep.Identity().String(), cfg.Device.Shadow, startedAt)
	}, globalLogger)
	if err := srv.Start(); err != nil {
		globalLogger.Warn("control socket unavailable", "err", err)
	} else {
		defer srv.Stop()
	}

	globalLogger.Info("listening", "identity", ep.Identity())
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		wait, err := ep.Poll()
		if err != nil {
			return fmt.Errorf("endpoint poll: %w", err)
		}
		if wait <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// publishShadow advertises a freshly generated address under cfg's shadow
// name. The address only needs to be stable for as long as this process
// runs: a fresh one each time the daemon restarts is fine, since the
// broker always relays the latest published candidate.
func publishShadow(ep *endpoint.Endpoint, cfg *config.Config) error {
	addrSecret, err := identity.GenerateAddressSecret()
	if err != nil {
		return fmt.Errorf("generating publish address: %w", err)
	}
	xaddr := identity.Sign(cfg.Device.Secret, addrSecret.Address())
	return ep.Publish(cfg.Device.Shadow, xaddr)
}
