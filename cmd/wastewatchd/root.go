package main

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/casualjim/wastewatch/config"
	"github.com/casualjim/wastewatch/internal/broker"
	"github.com/casualjim/wastewatch/pkg/natsx"
	"github.com/casualjim/wastewatch/relay"
)

const requestTimeout = 5 * time.Second

type app struct {
	cfgFile  string
	logLevel string
	cfg      config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "wastewatchd",
		Short: "Track the footprint of AI chat usage",
		Long: "wastewatchd runs the background process that records the prompts and responses captured " +
			"on AI chat sites and reports the aggregate energy, water, carbon and cost.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.cfgFile)
			if err != nil {
				return err
			}
			if a.logLevel != "" {
				cfg.Log.Level = a.logLevel
			}
			a.cfg = cfg
			return configureLogging(cfg.Log.Level, cfg.Log.JSON)
		},
	}
	root.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", config.DefaultPath(), "config file path")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override the log level (debug, info, warn, error)")

	root.AddCommand(
		newServeCmd(a),
		newTotalsCmd(a),
		newResetCmd(a),
		newPingCmd(a),
		newReportCmd(a),
		newSchemaCmd(),
		newModelsCmd(a),
		newEstimateCmd(a),
	)
	return root
}

func (a *app) connect() (*nats.Conn, error) {
	nc, err := natsx.NewClient(a.cfg.NATS.URL, a.cfg.NATS.Name)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", a.cfg.NATS.URL, err)
	}
	return nc, nil
}

// popup runs fn against the background with a bounded context.
func (a *app) popup(ctx context.Context, fn func(context.Context, *relay.Popup) error) error {
	nc, err := a.connect()
	if err != nil {
		return err
	}
	defer nc.Close()

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	return fn(ctx, relay.NewPopup(broker.NATS(nc, a.cfg.NATS.Prefix)))
}
