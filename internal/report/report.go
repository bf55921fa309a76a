// Package report summarizes an experiment folder for the inspect command.
package report

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/agegender/agetrain/internal/checkpoint"
	"github.com/agegender/agetrain/internal/events"
	"github.com/agegender/agetrain/internal/metrics"
	"github.com/agegender/agetrain/internal/serialization"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// SplitSummary is the last recorded snapshot of a split.
type SplitSummary struct {
	Split     metrics.Split
	Snapshots int
	LastBatch int64
	Means     map[metrics.Metric]float64
	LR        *float64
}

// EventFile counts the scalar events of one event file.
type EventFile struct {
	Name    string
	Records int
	Tags    map[string]int
	Err     error
}

// Report is everything inspect shows about a folder.
type Report struct {
	Folder          string
	Hyperparameters map[string]any
	Checkpoints     []checkpoint.Info
	Latest          *serialization.Header
	Splits          []SplitSummary
	EventFiles      []EventFile
}

// Load reads whatever artifacts exist in folder. Missing artifacts are left
// empty; unreadable ones are errors, except for event files whose decode
// errors are kept per file.
func Load(folder string) (*Report, error) {
	info, err := os.Stat(folder)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", folder)
	}
	r := &Report{Folder: folder}

	//nolint:gosec // G304: folder is supplied by the operator
	data, err := os.ReadFile(filepath.Join(folder, checkpoint.HyperparametersFile))
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &r.Hyperparameters); err != nil {
			return nil, fmt.Errorf("%s: %w", checkpoint.HyperparametersFile, err)
		}
	case !errors.Is(err, fs.ErrNotExist):
		return nil, err
	}

	if r.Checkpoints, err = checkpoint.List(folder); err != nil {
		return nil, err
	}
	if latest, err := checkpoint.Latest(folder); err == nil {
		h, err := serialization.ReadHeader(latest)
		if err != nil {
			return nil, err
		}
		r.Latest = &h
	}

	for _, split := range []metrics.Split{metrics.Train, metrics.Test} {
		snaps, err := metrics.ReadSnapshots(metrics.NewRecorder(folder, split).Path())
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		s := SplitSummary{Split: split, Snapshots: len(snaps)}
		if n := len(snaps); n > 0 {
			last := snaps[n-1]
			s.LastBatch, s.Means, s.LR = last.Batch, last.Means, last.LR
		}
		r.Splits = append(r.Splits, s)
	}

	files, err := filepath.Glob(filepath.Join(folder, "logs", "events.out.tfevents.*"))
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		ef := EventFile{Name: filepath.Base(f), Tags: map[string]int{}}
		records, err := events.ReadScalars(f)
		ef.Err = err
		for _, rec := range records {
			if len(rec.Scalars) == 0 {
				continue
			}
			ef.Records++
			for _, s := range rec.Scalars {
				ef.Tags[s.Tag]++
			}
		}
		r.EventFiles = append(r.EventFiles, ef)
	}
	return r, nil
}

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
	sectionStyle  = lipgloss.NewStyle().Underline(true)
	emphasisStyle = lipgloss.NewStyle().Bold(true)
	italicStyle   = lipgloss.NewStyle().Italic(true).Faint(true)
)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderRow(false).
		Headers(headers...)
}

// Render writes the report as styled text.
func (r *Report) Render(w io.Writer) error {
	var out []string
	out = append(out, titleStyle.Render(fmt.Sprintf("Experiment %s", r.Folder)))

	out = append(out, sectionStyle.Render("Hyperparameters"))
	if len(r.Hyperparameters) == 0 {
		out = append(out, italicStyle.Render("(none)"))
	} else {
		keys := make([]string, 0, len(r.Hyperparameters))
		for k := range r.Hyperparameters {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		t := newTable("Key", "Value")
		for _, k := range keys {
			t.Row(k, formatValue(r.Hyperparameters[k]))
		}
		out = append(out, t.Render())
	}

	out = append(out, sectionStyle.Render("Checkpoints"))
	if len(r.Checkpoints) == 0 {
		out = append(out, italicStyle.Render("(none)"))
	} else {
		t := newTable("Name", "Tag", "Size")
		for _, c := range r.Checkpoints {
			t.Row(c.Name, strconv.FormatInt(c.Tag, 10), humanize.Bytes(uint64(c.Size)))
		}
		out = append(out, t.Render())
	}
	if r.Latest != nil {
		out = append(out, fmt.Sprintf("%s %s at step %s, saved %s",
			emphasisStyle.Render("latest:"), r.Latest.Model,
			humanize.Comma(r.Latest.Step), humanize.Time(r.Latest.CreatedAt)))
	}

	out = append(out, sectionStyle.Render("Metrics"))
	if len(r.Splits) == 0 {
		out = append(out, italicStyle.Render("(none)"))
	} else {
		t := newTable("Split", "Snapshots", "Batch", "MAE", "Gender acc", "Total loss", "LR")
		for _, s := range r.Splits {
			lr := "-"
			if s.LR != nil {
				lr = strconv.FormatFloat(*s.LR, 'g', 4, 64)
			}
			t.Row(string(s.Split), strconv.Itoa(s.Snapshots), strconv.FormatInt(s.LastBatch, 10),
				formatMean(s.Means, metrics.MAE), formatMean(s.Means, metrics.GenderAccuracy),
				formatMean(s.Means, metrics.TotalLoss), lr)
		}
		out = append(out, t.Render())
	}

	out = append(out, sectionStyle.Render("Event files"))
	if len(r.EventFiles) == 0 {
		out = append(out, italicStyle.Render("(none)"))
	} else {
		t := newTable("File", "Records", "Tags", "Status")
		for _, ef := range r.EventFiles {
			status := "ok"
			if ef.Err != nil {
				status = ef.Err.Error()
			}
			t.Row(ef.Name, humanize.Comma(int64(ef.Records)), strconv.Itoa(len(ef.Tags)), status)
		}
		out = append(out, t.Render())
	}

	_, err := io.WriteString(w, lipgloss.JoinVertical(lipgloss.Left, out...)+"\n")
	return err
}

func formatMean(means map[metrics.Metric]float64, m metrics.Metric) string {
	v, ok := means[m]
	if !ok {
		return "-"
	}
	return strconv.FormatFloat(v, 'f', 4, 64)
}

func formatValue(v any) string {
	switch v := v.(type) {
	case map[string]any, []any:
		data, err := yaml.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data[:len(data)-1])
	default:
		return fmt.Sprint(v)
	}
}
