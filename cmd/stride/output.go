package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"pkt.systems/stride/api"
)

type outputMode string

const (
	outputText outputMode = "text"
	outputJSON outputMode = "json"
)

func parseOutputMode(raw string) (outputMode, error) {
	switch mode := outputMode(strings.ToLower(strings.TrimSpace(raw))); mode {
	case "", outputText:
		return outputText, nil
	case outputJSON:
		return outputJSON, nil
	default:
		return "", fmt.Errorf("--output must be text or json, got %q", raw)
	}
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatAmount(a *api.Amount) string {
	if a == nil {
		return "-"
	}
	return humanize.BigComma(a.Big())
}

func formatStatus(s api.Swap) string {
	status := s.Status
	if s.Outcome != "" {
		status += " (" + s.Outcome + ")"
	}
	if s.Parked {
		status += " parked"
	}
	return status
}

func formatWhen(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339) + " (" + humanize.Time(t) + ")"
}

func renderSwap(out io.Writer, mode outputMode, s api.Swap) error {
	if mode == outputJSON {
		return writeJSON(out, s)
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "txn_id:\t%s\n", s.TxnID)
	fmt.Fprintf(tw, "role:\t%s\n", s.Role)
	fmt.Fprintf(tw, "status:\t%s\n", formatStatus(s))
	fmt.Fprintf(tw, "source_amount:\t%s\n", formatAmount(s.SourceAmount))
	fmt.Fprintf(tw, "destination_amount:\t%s\n", formatAmount(s.DestinationAmount))
	if s.UserAddress != "" {
		fmt.Fprintf(tw, "user_address:\t%s\n", s.UserAddress)
	}
	fmt.Fprintf(tw, "secret_hash:\t%s\n", s.SecretHash)
	fmt.Fprintf(tw, "timeout_blocks:\t%d\n", s.TimeoutInterval)
	fmt.Fprintf(tw, "created:\t%s\n", formatWhen(s.CreatedAt))
	fmt.Fprintf(tw, "updated:\t%s\n", formatWhen(s.UpdatedAt))
	if s.LastError != "" {
		fmt.Fprintf(tw, "last_error:\t%s\n", s.LastError)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if len(s.History) == 0 {
		return nil
	}
	fmt.Fprintln(out, "history:")
	tw = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, h := range s.History {
		fmt.Fprintf(tw, "  %s\t%s\t%s\n", h.Status, h.At.UTC().Format(time.RFC3339), h.Note)
	}
	return tw.Flush()
}

func renderSwaps(out io.Writer, mode outputMode, swaps []api.Swap) error {
	if mode == outputJSON {
		return writeJSON(out, api.SwapList{Swaps: swaps})
	}
	if len(swaps) == 0 {
		_, err := fmt.Fprintln(out, "no swaps")
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TXN_ID\tROLE\tSTATUS\tSOURCE\tDESTINATION\tUPDATED")
	for _, s := range swaps {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			s.TxnID, s.Role, formatStatus(s), formatAmount(s.SourceAmount), formatAmount(s.DestinationAmount), humanize.Time(s.UpdatedAt))
	}
	return tw.Flush()
}
