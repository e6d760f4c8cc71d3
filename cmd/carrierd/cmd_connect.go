package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kuuji/carrier/internal/endpoint"
	"github.com/kuuji/carrier/internal/headers"
	"github.com/kuuji/carrier/internal/identity"
	"github.com/kuuji/carrier/internal/wire"
)

var connectTimeout time.Duration

var connectCmd = &cobra.Command{
	Use:   "connect <shadow>",
	Short: "Connect to a peer published under a shadow name",
	Long: `connect dials the broker, subscribes to shadow until a publish
notification names a peer identity, then connects to that peer and
bridges the resulting stream to stdin/stdout.`,
	Args: cobra.ExactArgs(1),
	RunE: runConnect,
}

func init() {
	connectCmd.Flags().DurationVar(&connectTimeout, "timeout", 30*time.Second, "how long to wait for the peer to appear and the connect to complete")
}

func runConnect(cmd *cobra.Command, args []string) error {
	shadow := args[0]

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := validateConfig(cfg); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, connectTimeout)
	defer cancelTimeout()

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

	found := make(chan identity.Identity, 1)
	_, err = endpoint.Subscribe(ep, shadow, func(peer identity.Identity) {
		select {
		case found <- peer:
		default:
		}
	}, nil)
	if err != nil {
		return fmt.Errorf("subscribing to %q: %w", shadow, err)
	}

	established := make(chan wire.RoutingKey, 1)
	var target identity.Identity
	ep.OnChannel(func(route wire.RoutingKey, peer identity.Identity, outgoing bool) {
		if outgoing && peer == target {
			select {
			case established <- route:
			default:
			}
		}
	})

	var (
		haveTarget  bool
		pipeStarted bool
	)

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %q: %w", shadow, ctx.Err())
		default:
		}

		if !haveTarget {
			select {
			case target = <-found:
				haveTarget = true
				globalLogger.Info("peer found", "shadow", shadow, "identity", target)
				if _, err := ep.Connect(target, time.Now().Unix()); err != nil {
					return fmt.Errorf("connecting to %s: %w", target, err)
				}
			default:
			}
		}

		if haveTarget && !pipeStarted {
			select {
			case route := <-established:
				pipeStarted = true
				h := newPendingPipeHandler(os.Stdin, os.Stdout)
				s, err := ep.Open(route, headers.WithPath(appDataPath), h)
				if err != nil {
					return fmt.Errorf("opening pipe stream: %w", err)
				}
				h.attach(s)
			default:
			}
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
			return fmt.Errorf("waiting for %q: %w", shadow, ctx.Err())
		case <-time.After(wait):
		}
	}
}
