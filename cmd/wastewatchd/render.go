package main

import (
	"fmt"
	"slices"
	"strings"

	"github.com/pterm/pterm"
	"github.com/samber/lo"

	"github.com/casualjim/wastewatch"
	"github.com/casualjim/wastewatch/impact"
	"github.com/casualjim/wastewatch/protocol"
	"github.com/casualjim/wastewatch/relay"
)

// reportRows is how many exchanges the report lists.
const reportRows = 20

func totalsTable(t wastewatch.AggregateTotals) pterm.TableData {
	p := relay.NewPreview(t)
	return pterm.TableData{
		{"Metric", "Value"},
		{"Prompts", fmt.Sprint(p.Prompts)},
		{"Tokens", fmt.Sprint(p.Tokens)},
		{"Energy", p.Energy},
		{"Water", p.Water},
		{"Carbon", p.Carbon},
		{"Cost", p.Cost},
	}
}

func modelsTable(table impact.Table) pterm.TableData {
	keys := lo.Keys(table)
	slices.Sort(keys)

	rows := pterm.TableData{{"Model", "J/input token", "J/output token", "mL/token", "g/token", "$/1k in", "$/1k out"}}
	for _, k := range keys {
		m := table[k]
		rows = append(rows, []string{
			k,
			fmt.Sprintf("%.4g", m.EnergyPerInputToken),
			fmt.Sprintf("%.4g", m.EnergyPerOutputToken),
			fmt.Sprintf("%.4g", m.WaterPerToken),
			fmt.Sprintf("%.4g", m.CarbonPerToken),
			fmt.Sprintf("%.4g", m.InputPricePer1K),
			fmt.Sprintf("%.4g", m.OutputPricePer1K),
		})
	}
	return rows
}

func estimateTable(model string, inputTokens, responseTokens int, i wastewatch.Impact) pterm.TableData {
	p := relay.NewPreview(wastewatch.AggregateTotals{
		WaterUsage:        i.WaterUsage,
		CarbonEmissions:   i.CarbonEmissions,
		EnergyConsumption: i.EnergyConsumption,
		Cost:              i.Cost,
		TokenCount:        inputTokens + responseTokens,
	})
	return pterm.TableData{
		{"Metric", "Value"},
		{"Model", model},
		{"Input tokens", fmt.Sprint(inputTokens)},
		{"Response tokens", fmt.Sprint(responseTokens)},
		{"Energy", p.Energy},
		{"Water", p.Water},
		{"Carbon", p.Carbon},
		{"Cost", p.Cost},
	}
}

// reportMarkdown renders a snapshot as a markdown document, newest exchanges
// first.
func reportMarkdown(snap protocol.Snapshot) string {
	var b strings.Builder
	p := relay.NewPreview(snap.Totals)

	b.WriteString("# AI usage footprint\n\n")
	if snap.Totals.IsZero() && len(snap.History) == 0 {
		b.WriteString("No data yet.\n")
		return b.String()
	}

	b.WriteString("| Prompts | Tokens | Energy | Water | Carbon | Cost |\n")
	b.WriteString("|---:|---:|---:|---:|---:|---:|\n")
	fmt.Fprintf(&b, "| %d | %d | %s | %s | %s | %s |\n\n", p.Prompts, p.Tokens, p.Energy, p.Water, p.Carbon, p.Cost)

	if len(snap.History) == 0 {
		return b.String()
	}
	fmt.Fprintf(&b, "## Recent exchanges\n\n")
	b.WriteString("| When | Site | Model | In | Out | Energy | Prompt |\n")
	b.WriteString("|---|---|---|---:|---:|---:|---|\n")
	recent := slices.Clone(snap.History)
	slices.Reverse(recent)
	for _, e := range lo.Slice(recent, 0, reportRows) {
		fmt.Fprintf(&b, "| %s | %s | %s | %d | %d | %.3f Wh | %s |\n",
			e.Time().Format("2006-01-02 15:04"),
			e.Site,
			e.Model,
			e.InputTokens,
			e.ResponseTokens,
			e.Impact.WattHours(),
			escapeCell(lo.Ternary(e.ResponseOnly, "(response only)", e.TextPreview)),
		)
	}
	if len(snap.History) > reportRows {
		fmt.Fprintf(&b, "\n_%d older exchanges not shown._\n", len(snap.History)-reportRows)
	}
	return b.String()
}

func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "|", "\\|")
	return strings.ReplaceAll(s, "\n", " ")
}
