// Package dataset turns a directory of radiographs and labelling-tool
// annotations into analysis inputs.
//
// A dataset directory looks like:
//
//	images/            radiographs (.png .jpg .jpeg .tif .tiff .bmp .dcm)
//	images/annotations/<stem>.json
//	images/masks/<stem>_<class>_<box>.png
//
// Mask files are optional. <class> is alveolar-bone, pdl-space or
// lamina-dura and <box> is the position of the annotated box the mask was
// segmented from, or any non-number for a mask tied to no box.
package dataset

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"periometry/internal/models"
)

// ErrSizeMismatch is returned when a mask does not match its radiograph
var ErrSizeMismatch = errors.New("mask size does not match image")

// Directory names below the image directory
const (
	AnnotationDir = "annotations"
	MaskDir       = "masks"

	// ExportFile is the combined export of the labelling tool; it is not
	// a per-image annotation
	ExportFile = "points.json"
)

// Options control how a dataset is read
type Options struct {
	// SyncRadius is the distance in pixels within which a bone-line endpoint
	// counts as touching a CREST point; 0 disables the sync
	SyncRadius float64

	// BinarizeMasks thresholds mask rasters at MaskLevel before use
	BinarizeMasks bool
	MaskLevel     uint8
}

// DefaultOptions returns the options matching the labelling tool
func DefaultOptions() Options {
	return Options{
		SyncRadius: 2.0,
		MaskLevel:  128,
	}
}

// Item locates the files of one radiograph
type Item struct {
	ImagePath      string
	AnnotationPath string
	MaskPaths      []string
}

// Stem returns the file name of the radiograph without its extension
func (it Item) Stem() string {
	base := filepath.Base(it.ImagePath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Scan lists the radiographs of dir in case-insensitive name order, with
// their annotation and mask files when present
func Scan(dir string) ([]Item, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("error reading dataset directory: %w", err)
	}

	var masks []string
	if maskEntries, err := os.ReadDir(filepath.Join(dir, MaskDir)); err == nil {
		for _, e := range maskEntries {
			if !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), ".png") {
				masks = append(masks, e.Name())
			}
		}
	}

	var items []Item
	for _, e := range entries {
		if e.IsDir() || !Supported(e.Name()) {
			continue
		}
		it := Item{ImagePath: filepath.Join(dir, e.Name())}
		stem := it.Stem()

		ann := filepath.Join(dir, AnnotationDir, stem+".json")
		if _, err := os.Stat(ann); err == nil && stem+".json" != ExportFile {
			it.AnnotationPath = ann
		}
		for _, m := range masks {
			if _, _, ok := parseMaskName(stem, m); ok {
				it.MaskPaths = append(it.MaskPaths, filepath.Join(dir, MaskDir, m))
			}
		}
		items = append(items, it)
	}

	sort.Slice(items, func(i, j int) bool {
		return strings.ToLower(filepath.Base(items[i].ImagePath)) < strings.ToLower(filepath.Base(items[j].ImagePath))
	})
	return items, nil
}

// parseMaskName splits <stem>_<class>_<box>.png. box is -1 for a mask tied
// to no box.
func parseMaskName(stem, name string) (models.Class, int, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSuffix(name, filepath.Ext(name)), stem+"_")
	if !ok {
		return "", 0, false
	}
	cut := strings.LastIndex(rest, "_")
	if cut < 0 {
		return "", 0, false
	}
	class := models.Class(rest[:cut])
	if !class.Valid() || class == models.Tooth {
		return "", 0, false
	}
	box, err := strconv.Atoi(rest[cut+1:])
	if err != nil || box < 0 {
		box = -1
	}
	return class, box, true
}

// Load reads one radiograph with its annotation and masks.
// An item without an annotation yields an input with no detections.
func Load(it Item, opts Options) (*models.Input, error) {
	img, err := LoadImage(it.ImagePath)
	if err != nil {
		return nil, err
	}

	ann := &Annotation{}
	if it.AnnotationPath != "" {
		if ann, err = ReadAnnotation(it.AnnotationPath); err != nil {
			return nil, err
		}
	}
	in, regionOf := ann.Input(img, opts.SyncRadius)

	stem := it.Stem()
	for _, path := range it.MaskPaths {
		class, box, ok := parseMaskName(stem, filepath.Base(path))
		if !ok {
			continue
		}
		m, err := LoadMask(path, class, opts.BinarizeMasks, opts.MaskLevel)
		if err != nil {
			return nil, err
		}
		if m.Bounds.Dx() != img.Width || m.Bounds.Dy() != img.Height {
			return nil, fmt.Errorf("%w: %s is %dx%d, image is %dx%d",
				ErrSizeMismatch, path, m.Bounds.Dx(), m.Bounds.Dy(), img.Width, img.Height)
		}
		if r, ok := regionOf[box]; ok {
			m.Region = models.Index(r)
		}
		in.Masks = append(in.Masks, m)
	}
	return in, nil
}

// LoadDir scans dir and loads every radiograph in it.
// Items that fail to load are returned as errors alongside the inputs that
// did load, so a single corrupt file does not stop a batch.
func LoadDir(dir string, opts Options) ([]*models.Input, []error, error) {
	items, err := Scan(dir)
	if err != nil {
		return nil, nil, err
	}

	inputs := make([]*models.Input, 0, len(items))
	var failures []error
	for _, it := range items {
		in, err := Load(it, opts)
		if err != nil {
			failures = append(failures, err)
			continue
		}
		inputs = append(inputs, in)
	}
	return inputs, failures, nil
}
