// Package report serializes analysis results for downstream review.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"periometry/pkg/analysis"
	"periometry/pkg/config"
	"periometry/pkg/metrics"
)

// Document is the top level of a written report
type Document struct {
	// RunID identifies the batch run that produced the document
	RunID string `json:"runId" yaml:"runId"`

	// Generated is the time the document was assembled
	Generated time.Time `json:"generated" yaml:"generated"`

	Summary Summary                 `json:"summary" yaml:"summary"`
	Images  []*analysis.ImageReport `json:"images" yaml:"images"`
}

// Summary counts what the batch managed to determine
type Summary struct {
	Images  int `json:"images" yaml:"images"`
	Failed  int `json:"failed" yaml:"failed"`
	Teeth   int `json:"teeth" yaml:"teeth"`
	Orphans int `json:"orphans" yaml:"orphans"`

	// Determined counts, per metric, the teeth with a determined value
	Determined map[string]int `json:"determined" yaml:"determined"`

	// Flagged counts teeth whose PBL fell outside the CEJ-apex span
	Flagged int `json:"flagged" yaml:"flagged"`
}

// Build assembles a document for a batch of image reports
func Build(reports []*analysis.ImageReport) *Document {
	doc := &Document{
		RunID:     uuid.NewString(),
		Generated: time.Now().UTC(),
		Images:    reports,
		Summary: Summary{
			Determined: map[string]int{
				metrics.MetricPBL:             0,
				metrics.MetricCrestSmoothness: 0,
				metrics.MetricPDLThickness:    0,
				metrics.MetricLaminaDura:      0,
				metrics.MetricBoneDensity:     0,
			},
		},
	}
	if doc.Images == nil {
		doc.Images = []*analysis.ImageReport{}
	}

	s := &doc.Summary
	for _, img := range reports {
		s.Images++
		if img.Error != "" {
			s.Failed++
		}
		s.Orphans += len(img.Orphans)
		for _, t := range img.Teeth {
			s.Teeth++
			count := func(name string, ok bool) {
				if ok {
					s.Determined[name]++
				}
			}
			count(metrics.MetricPBL, t.PBL.Determined())
			count(metrics.MetricCrestSmoothness, t.CrestSmoothness.Determined())
			count(metrics.MetricPDLThickness, t.PDLThickness.Determined())
			count(metrics.MetricLaminaDura, t.LaminaDura.Determined())
			count(metrics.MetricBoneDensity, t.BoneDensity.Determined())
			if t.PBL.Flag != "" {
				s.Flagged++
			}
		}
	}
	return doc
}

// Write encodes the document to w in the given format (json or yaml)
func Write(w io.Writer, doc *Document, format string) error {
	switch format {
	case config.FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("error encoding JSON report: %w", err)
		}
	case config.FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("error encoding YAML report: %w", err)
		}
		if err := enc.Close(); err != nil {
			return fmt.Errorf("error encoding YAML report: %w", err)
		}
	default:
		return fmt.Errorf("unsupported report format %q", format)
	}
	return nil
}

// WriteFile writes the document to path, creating parent directories
func WriteFile(path string, doc *Document, format string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating report directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating report file: %w", err)
	}
	if err := Write(f, doc, format); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("error closing report file: %w", err)
	}
	return nil
}

// Read loads a document previously written in the given format
func Read(r io.Reader, format string) (*Document, error) {
	doc := &Document{}
	switch format {
	case config.FormatJSON:
		if err := json.NewDecoder(r).Decode(doc); err != nil {
			return nil, fmt.Errorf("error decoding JSON report: %w", err)
		}
	case config.FormatYAML:
		if err := yaml.NewDecoder(r).Decode(doc); err != nil {
			return nil, fmt.Errorf("error decoding YAML report: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported report format %q", format)
	}
	return doc, nil
}

// FormatFromPath guesses the report format from a file extension,
// falling back to def
func FormatFromPath(path, def string) string {
	switch filepath.Ext(path) {
	case ".json":
		return config.FormatJSON
	case ".yaml", ".yml":
		return config.FormatYAML
	}
	return def
}
