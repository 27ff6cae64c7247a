package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/casualjim/wastewatch/config"
	"github.com/casualjim/wastewatch/gateway"
	"github.com/casualjim/wastewatch/internal/broker"
	"github.com/casualjim/wastewatch/ledger"
	"github.com/casualjim/wastewatch/pkg/slogx"
	"github.com/casualjim/wastewatch/relay"
	"github.com/casualjim/wastewatch/store"
	"github.com/casualjim/wastewatch/store/natskv"
	"github.com/casualjim/wastewatch/store/sqlitekv"
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the background process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	nc, err := a.connect()
	if err != nil {
		return err
	}
	defer func() {
		if err := nc.Drain(); err != nil {
			slog.Warn("failed to drain nats connection", slogx.Error(err))
		}
	}()

	st, err := openStore(ctx, a.cfg.Store, nc)
	if err != nil {
		return err
	}
	defer st.Close()

	l, err := ledger.New(ledger.WithConfig(a.cfg.Ledger))
	if err != nil {
		return err
	}
	gw, err := gateway.New(st,
		gateway.Ledger(l),
		gateway.ReconcileEvery(a.cfg.Gateway.ReconcileInterval),
	)
	if err != nil {
		return err
	}
	bg, err := relay.NewBackground(gw, broker.NATS(nc, a.cfg.NATS.Prefix),
		relay.PingTimeout(a.cfg.Relay.PingTimeout),
	)
	if err != nil {
		return err
	}
	if err := bg.Start(ctx); err != nil {
		return err
	}
	defer bg.Stop()

	// repair whatever drifted while nobody was running
	if _, err := gw.Reconcile(ctx); err != nil {
		slog.Error("initial reconciliation failed", slogx.Error(err))
	}
	slog.Info("serving",
		slog.String("nats", nc.ConnectedUrlRedacted()),
		slog.String("prefix", a.cfg.NATS.Prefix),
		slog.String("store", a.cfg.Store.Backend),
	)
	return gw.Run(ctx)
}

func openStore(ctx context.Context, cfg config.StoreConfig, nc *nats.Conn) (store.Store, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return store.NewMemory(), nil
	case config.BackendSQLite:
		st, err := sqlitekv.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return st, nil
	case config.BackendNATS:
		if nc == nil {
			return nil, fmt.Errorf("the nats store needs a connection")
		}
		st, err := natskv.New(ctx, nc, cfg.Bucket)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
