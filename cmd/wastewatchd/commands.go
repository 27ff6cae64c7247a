package main

import (
	"context"
	"fmt"
	"os"
	"reflect"
	"slices"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/go-openapi/strfmt"
	json "github.com/goccy/go-json"
	"github.com/invopop/jsonschema"
	"github.com/k0kubun/pp/v3"
	"github.com/pterm/pterm"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/casualjim/wastewatch"
	"github.com/casualjim/wastewatch/protocol"
	"github.com/casualjim/wastewatch/relay"
	"github.com/casualjim/wastewatch/tokens"
)

func newTotalsCmd(a *app) *cobra.Command {
	var asJSON, dump bool
	cmd := &cobra.Command{
		Use:   "totals",
		Short: "Show the aggregate recorded by the background",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.popup(cmd.Context(), func(ctx context.Context, p *relay.Popup) error {
				snap, err := p.Snapshot(ctx)
				if err != nil {
					return err
				}
				switch {
				case dump:
					_, err = pp.Println(snap)
					return err
				case asJSON:
					return writeJSON(snap)
				}
				return pterm.DefaultTable.WithHasHeader().WithData(totalsTable(snap.Totals)).Render()
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print history and totals as JSON")
	cmd.Flags().BoolVar(&dump, "dump", false, "pretty-print the raw snapshot")
	return cmd
}

func newResetCmd(a *app) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Clear all recorded history and totals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				ok, err := pterm.DefaultInteractiveConfirm.Show("Reset all recorded data?")
				if err != nil {
					return err
				}
				if !ok {
					return nil
				}
			}
			err := a.popup(cmd.Context(), func(ctx context.Context, p *relay.Popup) error {
				return p.Reset(ctx)
			})
			if err != nil {
				pterm.Error.Println("Failed to reset stats.")
				return err
			}
			pterm.Success.Println("Your AI usage data has been reset.")
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

func newPingCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the background process answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := a.popup(cmd.Context(), func(ctx context.Context, p *relay.Popup) error {
				return p.Ping(ctx)
			})
			if err != nil {
				pterm.Error.Printfln("Background not reachable: %v", err)
				return err
			}
			pterm.Success.Println("Background is alive.")
			return nil
		},
	}
}

func newReportCmd(a *app) *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Render the recorded history as a report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.popup(cmd.Context(), func(ctx context.Context, p *relay.Popup) error {
				snap, err := p.Snapshot(ctx)
				if err != nil {
					return err
				}
				md := reportMarkdown(snap)
				if raw {
					_, err = fmt.Fprint(os.Stdout, md)
					return err
				}
				r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(120))
				if err != nil {
					return err
				}
				out, err := r.Render(md)
				if err != nil {
					return err
				}
				_, err = fmt.Fprint(os.Stdout, out)
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&raw, "markdown", false, "print the markdown source")
	return cmd
}

// schemaTypes are the records that travel between contexts.
var schemaTypes = map[string]any{
	"sample":   wastewatch.ImpactSample{},
	"exchange": wastewatch.Exchange{},
	"totals":   wastewatch.AggregateTotals{},
	"snapshot": protocol.Snapshot{},
}

var schemaReflector = jsonschema.Reflector{
	DoNotReference: true,
	Mapper: func(t reflect.Type) *jsonschema.Schema {
		if t == reflect.TypeOf(strfmt.DateTime{}) {
			return &jsonschema.Schema{Type: "string", Format: "date-time"}
		}
		return nil
	},
}

func schemaFor(name string) (*jsonschema.Schema, error) {
	v, ok := schemaTypes[name]
	if !ok {
		return nil, fmt.Errorf("unknown record %q, expected one of %s", name, strings.Join(schemaNames(), ", "))
	}
	return schemaReflector.Reflect(v), nil
}

func schemaNames() []string {
	names := lo.Keys(schemaTypes)
	slices.Sort(names)
	return names
}

func newSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "schema [sample|exchange|totals|snapshot]",
		Short:     "Print the JSON schema of a record",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: schemaNames(),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := "sample"
			if len(args) == 1 {
				name = args[0]
			}
			s, err := schemaFor(name)
			if err != nil {
				return err
			}
			return writeJSON(s)
		},
	}
}

func newModelsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List the per-model impact factors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			table, err := a.cfg.Models()
			if err != nil {
				return err
			}
			return pterm.DefaultTable.WithHasHeader().WithData(modelsTable(table)).Render()
		},
	}
}

func newEstimateCmd(a *app) *cobra.Command {
	var (
		model    string
		response string
	)
	cmd := &cobra.Command{
		Use:   "estimate <prompt>",
		Short: "Estimate the footprint of a prompt and an optional response",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			table, err := a.cfg.Models()
			if err != nil {
				return err
			}
			in := tokens.Estimate(args[0])
			out := tokens.Estimate(response)
			i := table.Compute(model, in, out)
			return pterm.DefaultTable.WithHasHeader().WithData(estimateTable(model, in, out, i)).Render()
		},
	}
	cmd.Flags().StringVarP(&model, "model", "m", wastewatch.DefaultModel, "model id")
	cmd.Flags().StringVarP(&response, "response", "r", "", "response text")
	return cmd
}

func writeJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(os.Stdout, string(data))
	return err
}
