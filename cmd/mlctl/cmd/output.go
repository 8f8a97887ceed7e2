package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"text/tabwriter"
	"time"

	domain "github.com/donaldgifford/market-ledger/pkg/types"
)

const timeLayout = "2006-01-02 15:04:05"

// tabWriter wraps tabwriter with error tracking.
type tabWriter struct {
	*tabwriter.Writer
	err error
}

func newTabWriter(w io.Writer) *tabWriter {
	return &tabWriter{Writer: tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)}
}

func (tw *tabWriter) writef(format string, args ...any) {
	if tw.err != nil {
		return
	}
	_, tw.err = fmt.Fprintf(tw.Writer, format, args...)
}

func (tw *tabWriter) finish() error {
	if tw.err != nil {
		return tw.err
	}
	return tw.Flush()
}

func printListingsTable(listings []domain.Listing) error {
	tw := newTabWriter(os.Stdout)
	tw.writef("ID\tTITLE\tPRICE\tYEAR\tLOCATION\tLAST RUN\n")
	for i := range listings {
		l := &listings[i]
		tw.writef("%s\t%s\t%s\t%s\t%s\t%d\n",
			l.ItemID,
			truncate(l.Attributes.Title, 40),
			l.Price,
			year(l.Attributes.Vehicle),
			truncate(l.Attributes.Location, 24),
			l.LastSeenRun,
		)
	}
	return tw.finish()
}

func printListingDetail(l *domain.Listing) error {
	a := &l.Attributes
	tw := newTabWriter(os.Stdout)
	tw.writef("ID:\t%s\n", l.ItemID)
	tw.writef("Title:\t%s\n", a.Title)
	tw.writef("Kind:\t%s\n", a.Kind)
	tw.writef("Price:\t%s (since %s)\n", l.Price, l.PriceSince.Local().Format(timeLayout))
	if v := a.Vehicle; v != nil {
		tw.writef("Vehicle:\t%s %s %s\n", year(v), v.Brand, v.Model)
		if v.MileageKM != nil {
			tw.writef("Mileage:\t%d km\n", *v.MileageKM)
		}
	}
	tw.writef("Location:\t%s\n", a.Location)
	tw.writef("Seller:\t%s\n", a.Seller)
	tw.writef("Detail:\t%s\n", l.Detail)
	tw.writef("URL:\t%s\n", a.ItemURL)
	tw.writef("First seen:\trun %d, %s\n", l.FirstSeenRun, l.FirstSeenAt.Local().Format(timeLayout))
	tw.writef("Last seen:\trun %d\n", l.LastSeenRun)
	tw.writef("Updated:\t%s\n", l.LastUpdatedAt.Local().Format(timeLayout))
	return tw.finish()
}

func printHistoryTable(entries []domain.PriceHistoryEntry) error {
	tw := newTabWriter(os.Stdout)
	tw.writef("OBSERVED\tPRICE\tRUN\n")
	for i := range entries {
		tw.writef("%s\t%s\t%d\n",
			entries[i].ObservedAt.Local().Format(timeLayout),
			entries[i].Price,
			entries[i].RunID,
		)
	}
	return tw.finish()
}

func printPriceChangesTable(changes []domain.PriceChange) error {
	tw := newTabWriter(os.Stdout)
	tw.writef("ID\tOLD\tNEW\tOBSERVED\n")
	for i := range changes {
		tw.writef("%s\t%s\t%s\t%s\n",
			changes[i].ItemID,
			changes[i].Old,
			changes[i].New,
			changes[i].ObservedAt.Local().Format(timeLayout),
		)
	}
	return tw.finish()
}

func printRunsTable(runs []domain.Run) error {
	tw := newTabWriter(os.Stdout)
	tw.writef("ID\tSTATUS\tSTARTED\tSEEN\tNEW\tPRICE\tTRUSTED\tSTOP REASON\n")
	for i := range runs {
		r := &runs[i]
		status := string(r.Status)
		if r.Discarded {
			status += " (discarded)"
		}
		tw.writef("%d\t%s\t%s\t%d\t%d\t%d\t%v\t%s\n",
			r.ID,
			status,
			r.StartedAt.Local().Format(timeLayout),
			r.Counters.Seen,
			r.Counters.Created,
			r.Counters.PriceChanged,
			r.Trusted,
			r.StopReason,
		)
	}
	return tw.finish()
}

func printRunDetail(r *domain.Run) error {
	tw := newTabWriter(os.Stdout)
	tw.writef("Run:\t%d\n", r.ID)
	tw.writef("Status:\t%s\n", r.Status)
	tw.writef("Started:\t%s\n", r.StartedAt.Local().Format(timeLayout))
	tw.writef("Ended:\t%s\n", endedAt(r.EndedAt))
	tw.writef("Trusted:\t%v\n", r.Trusted)
	tw.writef("Discarded:\t%v\n", r.Discarded)
	if r.StopReason != "" {
		tw.writef("Stop reason:\t%s\n", r.StopReason)
	}
	c := r.Counters
	tw.writef("Seen:\t%d\n", c.Seen)
	tw.writef("New:\t%d\n", c.Created)
	tw.writef("Price changed:\t%d\n", c.PriceChanged)
	tw.writef("Metadata changed:\t%d\n", c.MetadataChanged)
	tw.writef("Unchanged:\t%d\n", c.Unchanged)
	tw.writef("Failed:\t%d\n", c.Failed)
	tw.writef("Normalize failed:\t%d\n", c.NormalizeFailed)
	return tw.finish()
}

func printStats(st *domain.Stats) error {
	tw := newTabWriter(os.Stdout)
	tw.writef("Listings:\t%d\n", st.TotalListings)
	tw.writef("Active (%dd):\t%d\n", st.ActiveDays, st.ActiveListings)
	tw.writef("Runs:\t%d\n", st.Runs)
	if st.LastRun != nil {
		tw.writef("Last run:\t%d (%s)\n", st.LastRun.ID, st.LastRun.Status)
	}
	for _, cur := range slices.Sorted(maps.Keys(st.Prices)) {
		p := st.Prices[cur]
		tw.writef("Prices %s:\t%d listed, min %.2f, avg %.2f, max %.2f\n", cur, p.Count, p.Min, p.Avg, p.Max)
	}
	for _, b := range slices.Sorted(maps.Keys(st.ByBrand)) {
		tw.writef("Brand %s:\t%d\n", b, st.ByBrand[b])
	}
	return tw.finish()
}

func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func year(v *domain.VehicleAttributes) string {
	if v == nil || v.Year == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *v.Year)
}

func endedAt(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(timeLayout)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
