package cmd

import (
	"fmt"
	"io"
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

func printRunsTable(w io.Writer, runs []domain.Run) error {
	tw := newTabWriter(w)
	tw.writef("ID\tSTATUS\tSTARTED\tENDED\tSEEN\tNEW\tPRICE\tTRUSTED\tSTOP REASON\n")
	for i := range runs {
		r := &runs[i]
		tw.writef("%d\t%s\t%s\t%s\t%d\t%d\t%d\t%v\t%s\n",
			r.ID,
			runStatus(r),
			r.StartedAt.Local().Format(timeLayout),
			endedAt(r.EndedAt),
			r.Counters.Seen,
			r.Counters.Created,
			r.Counters.PriceChanged,
			r.Trusted,
			r.StopReason,
		)
	}
	return tw.finish()
}

func printRunDetail(w io.Writer, r *domain.Run) error {
	tw := newTabWriter(w)
	tw.writef("Run:\t%d\n", r.ID)
	tw.writef("Status:\t%s\n", runStatus(r))
	tw.writef("Started:\t%s\n", r.StartedAt.Local().Format(timeLayout))
	tw.writef("Ended:\t%s\n", endedAt(r.EndedAt))
	tw.writef("Trusted:\t%v\n", r.Trusted)
	if r.StopReason != "" {
		tw.writef("Stop reason:\t%s\n", r.StopReason)
	}
	writeCounters(tw, r.Counters)
	return tw.finish()
}

func writeCounters(tw *tabWriter, c domain.RunCounters) {
	tw.writef("Seen:\t%d\n", c.Seen)
	tw.writef("New:\t%d\n", c.Created)
	tw.writef("Price changed:\t%d\n", c.PriceChanged)
	tw.writef("Metadata changed:\t%d\n", c.MetadataChanged)
	tw.writef("Unchanged:\t%d\n", c.Unchanged)
	tw.writef("Failed:\t%d\n", c.Failed)
	tw.writef("Normalize failed:\t%d\n", c.NormalizeFailed)
}

func runStatus(r *domain.Run) string {
	if r.Discarded {
		return string(r.Status) + " (discarded)"
	}
	return string(r.Status)
}

func endedAt(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(timeLayout)
}
