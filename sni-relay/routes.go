package main

import (
	"fmt"
	"io"

	hn "github.com/AtDexters-Lab/sni-relay/internal/hostnames"
	"github.com/AtDexters-Lab/sni-relay/internal/routing"
	"github.com/fatih/color"
	"github.com/rodaine/table"
	"github.com/spf13/cobra"
)

func runRoutes(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	tbl, err := newTable(cfg)
	if err != nil {
		return err
	}
	printRoutes(cmd.OutOrStdout(), tbl)
	return nil
}

func printRoutes(w io.Writer, rt *routing.Table) {
	headerFmt := color.New(color.FgHiMagenta, color.Bold, color.Underline).SprintfFunc()
	columnFmt := color.New(color.FgHiCyan, color.Bold).SprintfFunc()

	tbl := table.New("Hostname", "Match", "Backend", "Weight", "PROXY")
	tbl.WithWriter(w).WithHeaderFormatter(headerFmt).WithFirstColumnFormatter(columnFmt)

	routes, fallback := rt.Routes()
	for _, r := range routes {
		for _, h := range r.Hostnames {
			match := routing.MatchExact
			if hn.IsWildcard(h) {
				match = routing.MatchWildcard
			}
			for _, t := range r.Targets {
				tbl.AddRow(h, match, t.Address, t.Weight, proxyLabel(t.ProxyProtocol))
			}
		}
	}
	for _, t := range fallback {
		tbl.AddRow("*", routing.MatchDefault, t.Address, t.Weight, proxyLabel(t.ProxyProtocol))
	}
	tbl.Print()
}

func proxyLabel(v int) string {
	if v == 0 {
		return "-"
	}
	return fmt.Sprintf("v%d", v)
}
