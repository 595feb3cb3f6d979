package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/AtDexters-Lab/sni-relay/internal/clienthello"
	hn "github.com/AtDexters-Lab/sni-relay/internal/hostnames"
	"github.com/AtDexters-Lab/sni-relay/internal/routing"
	"github.com/fatih/color"
	"github.com/rodaine/table"
	"github.com/spf13/cobra"
)

func runInspect(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read capture: %w", err)
	}
	if flagInspectHex {
		data, err = decodeHexDump(data)
		if err != nil {
			return err
		}
	}

	var router *routing.Table
	if flagInspectRoute {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if router, err = newTable(cfg); err != nil {
			return err
		}
	}
	return inspect(cmd.OutOrStdout(), data, router)
}

// decodeHexDump accepts plain hex with arbitrary whitespace and an optional
// 0x prefix.
func decodeHexDump(text []byte) ([]byte, error) {
	s := strings.Join(strings.Fields(string(text)), "")
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode hex capture: %w", err)
	}
	return data, nil
}

// inspect prints what the relay would see in data: the record framing, the
// decoded server name and, when router is set, the chosen backend.
func inspect(w io.Writer, data []byte, router *routing.Table) error {
	okFmt := color.New(color.FgHiGreen, color.Bold).SprintFunc()
	warnFmt := color.New(color.FgHiYellow, color.Bold).SprintFunc()
	errFmt := color.New(color.FgHiRed, color.Bold).SprintFunc()
	keyFmt := color.New(color.FgHiCyan, color.Bold).SprintfFunc()

	tbl := table.New("Field", "Value").WithWriter(w)
	tbl.WithFirstColumnFormatter(keyFmt)
	tbl.AddRow("bytes", len(data))

	if rec, err := clienthello.ParseRecord(data); err == nil {
		tbl.AddRow("content type", rec.ContentType)
		tbl.AddRow("record version", fmt.Sprintf("0x%04x", rec.Version()))
		tbl.AddRow("fragment", len(rec.Fragment))
		if trailing := len(data) - clienthello.HeaderLen - len(rec.Fragment); trailing > 0 {
			tbl.AddRow("trailing bytes", trailing)
		}
	}

	hello, err := clienthello.Parse(data)
	serverName := hn.Normalize(hello.ServerName)
	switch {
	case err != nil:
		tbl.AddRow("verdict", errFmt(clienthello.Kind(err)))
		tbl.AddRow("error", err)
	case serverName == "":
		tbl.AddRow("verdict", warnFmt("no server name"))
	default:
		tbl.AddRow("verdict", okFmt("ok"))
		tbl.AddRow("server name", hello.ServerName)
		if serverName != hello.ServerName {
			tbl.AddRow("normalized", serverName)
		}
	}

	if router != nil {
		target, match, lookupErr := router.Lookup(serverName)
		switch {
		case errors.Is(lookupErr, routing.ErrNoRoute):
			tbl.AddRow("route", errFmt("rejected"))
		case lookupErr != nil:
			tbl.AddRow("route", errFmt(lookupErr))
		default:
			tbl.AddRow("route", fmt.Sprintf("%s (%s)", target.Address, match))
		}
	}

	tbl.Print()
	if err != nil {
		return fmt.Errorf("capture is not a routable ClientHello: %w", err)
	}
	return nil
}
