package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
)

// Show prints recently persisted sub-events.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show events")
	}
	if closeStore != nil {
		defer closeStore()
	}

	records, err := store.ListRecentEvents(ctx, opts.Address, opts.Limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(os.Stdout, "no events found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tAddress\tKind\tFrom\tTo\tAmount\tSignature")

	for _, rec := range records {
		observed := "-"
		if rec.ObservedAt != nil {
			observed = rec.ObservedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s#%d\n",
			observed,
			sanitizeInline(rec.Address),
			rec.Kind,
			orDash(rec.Source),
			orDash(rec.Destination),
			formatAmount(rec.Amount),
			rec.Signature,
			rec.InstructionIndex,
		)
	}

	writer.Flush()
	return nil
}

func formatAmount(d decimal.Decimal) string {
	if d.Exponent() < -6 {
		return d.StringFixed(6)
	}
	return d.String()
}

func orDash(v string) string {
	if v == "" {
		return "-"
	}
	return sanitizeInline(v)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
