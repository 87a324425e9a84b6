package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"
)

// Format selects how results are written
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

// ParseFormat accepts table, json or yaml
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", FormatTable:
		return FormatTable, nil
	case FormatJSON, FormatYAML:
		return Format(s), nil
	}
	return "", fmt.Errorf("unknown output format %q (want table, json or yaml)", s)
}

// Write renders a single result
func Write(w io.Writer, format Format, r *Result) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(r)
	}

	table := tablewriter.NewWriter(w)
	table.Header("Field", "Value")
	table.Append("Job", r.JobID)
	table.Append("Input", r.Input)
	table.Append("State", r.State)
	if r.Live {
		table.Append("Live", "yes")
	}
	table.Append("Audio", r.Audio)
	table.Append("Video", r.Video)
	if r.Dimensions != "" {
		table.Append("Dimensions", r.Dimensions)
	}
	if r.Quality != nil {
		table.Append("CRF", strconv.Itoa(*r.Quality))
	}
	for _, l := range r.Loudness {
		table.Append(fmt.Sprintf("Loudness #%d", l.Track),
			fmt.Sprintf("I=%s TP=%s LRA=%s thresh=%s", l.Integrated, l.TruePeak, l.Range, l.Threshold))
	}
	if r.Output != "" {
		table.Append("Output", r.Output)
	}
	if r.OutputURL != "" {
		table.Append("Uploaded", r.OutputURL)
	}
	if r.VideoLog != "" {
		table.Append("Video log", r.VideoLog)
	}
	if !r.Created.IsZero() {
		table.Append("Created", r.Created.Format(time.RFC3339))
	}
	if r.Runtime > 0 {
		table.Append("Runtime", r.Runtime.String())
	}
	if r.Error != "" {
		table.Append("Error", r.Error)
	}
	return table.Render()
}

// WriteList renders many results. Tables get one row per job.
func WriteList(w io.Writer, format Format, rs []*Result) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if rs == nil {
			rs = []*Result{}
		}
		return enc.Encode(rs)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(rs)
	}

	table := tablewriter.NewWriter(w)
	table.Header("Job", "State", "Audio", "Video", "Input", "Created", "Error")
	for _, r := range rs {
		created := ""
		if !r.Created.IsZero() {
			created = r.Created.Format(time.RFC3339)
		}
		table.Append(r.JobID, r.State, r.Audio, r.Video, r.Input, created, r.Error)
	}
	return table.Render()
}
