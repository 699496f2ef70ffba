package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/client/internal/apierror"
	"github.com/MarcoPoloResearchLab/gravity/client/internal/notes"
	"github.com/prometheus/client_golang/prometheus"
)

const timestampLayout = "2006-01-02 15:04"

func writeNoteTable(out io.Writer, items []notes.Note, pagination notes.Pagination) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tVERSION\tTITLE\tTAGS\tUPDATED")
	for _, note := range items {
		fmt.Fprintf(writer, "%d\t%d\t%s\t%s\t%s\n",
			note.ID, note.Version, note.Title, strings.Join(note.Tags, ","), note.UpdatedAt.Local().Format(timestampLayout))
	}
	if err := writer.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "page %d of %d, %d notes\n", pagination.Page+1, max(pagination.TotalPages, 1), pagination.TotalElements)
	return nil
}

func writeNote(out io.Writer, note notes.Note) {
	fmt.Fprintf(out, "#%d %s (version %d)\n", note.ID, note.Title, note.Version)
	if len(note.Tags) > 0 {
		fmt.Fprintf(out, "tags: %s\n", strings.Join(note.Tags, ", "))
	}
	fmt.Fprintf(out, "updated: %s\n", note.UpdatedAt.Local().Format(time.RFC3339))
	if note.Deleted() {
		fmt.Fprintf(out, "deleted: %s\n", note.DeletedAt.Local().Format(time.RFC3339))
	}
	fmt.Fprintf(out, "\n%s\n", note.Content)
}

// describeConflict tells the user to re-fetch when an update lost a version race.
func describeConflict(err error, id int64) error {
	if apierror.IsKind(err, apierror.KindConflict) {
		return fmt.Errorf("note %d was changed elsewhere; run `gravity-notes notes get %d` and retry with the new version: %w", id, id, err)
	}
	return err
}

// writeMetrics prints the counters and gauges recorded during this run.
func writeMetrics(out io.Writer, gatherer prometheus.Gatherer) error {
	families, err := gatherer.Gather()
	if err != nil {
		return err
	}
	lines := make([]string, 0, len(families))
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			labels := make([]string, 0, len(metric.GetLabel()))
			for _, label := range metric.GetLabel() {
				labels = append(labels, label.GetName()+"="+label.GetValue())
			}
			value := metric.GetCounter().GetValue()
			if metric.GetGauge() != nil {
				value = metric.GetGauge().GetValue()
			}
			name := family.GetName()
			if len(labels) > 0 {
				name += "{" + strings.Join(labels, ",") + "}"
			}
			lines = append(lines, fmt.Sprintf("%s %g", name, value))
		}
	}
	sort.Strings(lines)
	for _, line := range lines {
		fmt.Fprintln(out, line)
	}
	return nil
}
