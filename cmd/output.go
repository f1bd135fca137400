package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/listing-sync/internal/feedsync"
	"github.com/sells-group/listing-sync/internal/inspector"
	"github.com/sells-group/listing-sync/internal/snapshot"
)

// Output formats accepted by --format.
const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
)

// writeStructured encodes v as JSON or YAML.
func writeStructured(out io.Writer, format string, v any) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return eris.Errorf("unknown format %q (want table, json or yaml)", format)
	}
}

func newTable(out io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(out)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.SetHeader(header)
	return table
}

func writeSnapshots(out io.Writer, format string, snaps []snapshot.Snapshot) error {
	if format != formatTable {
		return writeStructured(out, format, snaps)
	}

	table := newTable(out, []string{"ID", "SOURCE", "CREATED", "STATUS", "SIZE", "OBJECTS", "APARTMENTS", "CHANGED", "CHECKSUM"})
	for _, s := range snaps {
		changed := "no"
		if s.IsChanged {
			changed = "yes"
		}
		table.Append([]string{
			strconv.FormatInt(s.ID, 10),
			sourceLabel(s.SourceURL, s.Label),
			s.CreatedAt.Format("2006-01-02 15:04:05"),
			strconv.Itoa(s.StatusCode),
			strconv.FormatInt(s.SizeBytes, 10),
			strconv.Itoa(s.Counts.Objects),
			strconv.Itoa(s.Counts.Apartments),
			changed,
			shortChecksum(s.Checksum),
		})
	}
	table.Render()
	return nil
}

func writeRuns(out io.Writer, format string, entries []feedsync.SyncEntry) error {
	if format != formatTable {
		return writeStructured(out, format, entries)
	}

	table := newTable(out, []string{"ID", "JOB", "SOURCE", "STATUS", "STARTED", "DURATION", "ROWS", "ERROR"})
	for _, e := range entries {
		dur := "-"
		if e.CompletedAt != nil {
			dur = e.CompletedAt.Sub(e.StartedAt).Round(time.Second).String()
		}
		table.Append([]string{
			strconv.FormatInt(e.ID, 10),
			e.Job,
			sourceLabel(e.SourceURL, ""),
			e.Status,
			e.StartedAt.Format("2006-01-02 15:04"),
			dur,
			strconv.FormatInt(e.RowsSynced, 10),
			truncate(e.Error, 60),
		})
	}
	table.Render()
	return nil
}

func writeFields(out io.Writer, format string, fields []inspector.StoredObservation) error {
	if format != formatTable {
		return writeStructured(out, format, fields)
	}

	table := newTable(out, []string{"PATH", "TYPE", "SEEN", "NULLS", "ALWAYS", "EXAMPLE", "FIRST SEEN"})
	for _, f := range fields {
		always := "no"
		if f.AlwaysPresent {
			always = "yes"
		}
		typ := f.Type
		if f.Capped {
			typ += " (capped)"
		}
		table.Append([]string{
			f.Path,
			typ,
			strconv.Itoa(f.Occurrences),
			strconv.Itoa(f.NullCount),
			always,
			truncate(f.Example, 40),
			f.CreatedAt.Format("2006-01-02 15:04"),
		})
	}
	table.Render()
	return nil
}

func sourceLabel(url, label string) string {
	if label != "" {
		return fmt.Sprintf("%s (%s)", truncate(url, 50), label)
	}
	if url == "" {
		return "-"
	}
	return truncate(url, 60)
}

func shortChecksum(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	return sum
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
