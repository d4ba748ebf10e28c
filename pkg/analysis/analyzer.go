package analysis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"periometry/internal/models"
	"periometry/pkg/config"
	"periometry/pkg/correspondence"
	"periometry/pkg/metrics"
	"periometry/pkg/normalization"
)

// ErrInvalidInput is returned for an input that carries no usable image
var ErrInvalidInput = errors.New("invalid analysis input")

// ImageReport is the outcome of analysing one radiograph.
// It lists one metric report per tooth and every detection no tooth claimed.
type ImageReport struct {
	// Image is the identifier of the radiograph
	Image string `json:"image" yaml:"image"`

	// Width and Height are the radiograph dimensions in pixels
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`

	// PixelSpacing is the calibration in mm per pixel, 0 when unknown
	PixelSpacing float64 `json:"pixelSpacing,omitempty" yaml:"pixelSpacing,omitempty"`

	// Normalization is the intensity transform used for bone density.
	// It is nil when no usable reference was found.
	Normalization *normalization.Transform `json:"normalization,omitempty" yaml:"normalization,omitempty"`

	// NormalizationError explains why no transform could be derived
	NormalizationError string `json:"normalizationError,omitempty" yaml:"normalizationError,omitempty"`

	// Teeth holds the metric report of every tooth bundle, in tooth index order
	Teeth []metrics.Report `json:"teeth" yaml:"teeth"`

	// Orphans lists the detections that could not be attached to any tooth
	Orphans []correspondence.Orphan `json:"orphans" yaml:"orphans"`

	// Error is set when the image could not be analysed at all
	Error string `json:"error,omitempty" yaml:"error,omitempty"`

	// ElapsedMS is the wall time spent on the image in milliseconds
	ElapsedMS int64 `json:"elapsedMs" yaml:"elapsedMs"`
}

// Analyzer drives radiographs through correspondence, normalization and
// metric computation.
//
// The analysis of one image consists of:
// 1. Resolving detections into per-tooth bundles (a barrier for what follows)
// 2. Deriving the intensity normalization transform
// 3. Measuring bone density once per alveolar-bone mask
// 4. Measuring every bundle in parallel
type Analyzer struct {
	// cfg is the validated run configuration; it is never modified
	cfg *config.Config

	// logger receives progress and per-tooth failure events
	logger *logrus.Logger

	resolveOpts   correspondence.Options
	normalizeOpts normalization.Options
	metricOpts    metrics.Options
}

// New creates an analyzer for the given configuration.
// The configuration is validated here so that a bad threshold stops the
// run before any image is processed.
//
// Parameters:
//   - cfg: Run configuration, shared read-only by every image
//   - logger: Destination of progress logs; a discarding logger is used when nil
//
// Returns:
//   - A ready Analyzer, or an error wrapping config.ErrInvalid
func New(cfg *config.Config, logger *logrus.Logger) (*Analyzer, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil configuration", config.ErrInvalid)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Analyzer{
		cfg:           cfg,
		logger:        logger,
		resolveOpts:   correspondence.OptionsFromConfig(cfg),
		normalizeOpts: normalization.OptionsFromConfig(cfg),
		metricOpts:    metrics.OptionsFromConfig(cfg),
	}, nil
}

// AnalyzeImage runs the full analysis of one radiograph.
// A failure inside one tooth is recorded on that tooth's report and never
// aborts the others. The only errors returned are an unusable input and
// cancellation of ctx before the analysis started.
func (a *Analyzer) AnalyzeImage(ctx context.Context, in *models.Input) (*ImageReport, error) {
	if in == nil || in.Image == nil {
		return nil, fmt.Errorf("%w: no image", ErrInvalidInput)
	}
	img := in.Image
	if img.Width <= 0 || img.Height <= 0 || len(img.Pixels) != img.Width*img.Height {
		return nil, fmt.Errorf("%w: image %s has %d pixels for %dx%d", ErrInvalidInput, img.ID, len(img.Pixels), img.Width, img.Height)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	log := a.logger.WithField("image", img.ID)
	report := &ImageReport{
		Image:        img.ID,
		Width:        img.Width,
		Height:       img.Height,
		PixelSpacing: img.PixelSpacing,
	}

	log.Debug("Step 1: Resolving correspondence")
	res := correspondence.Resolve(in, a.resolveOpts)
	report.Orphans = res.Orphans
	if report.Orphans == nil {
		report.Orphans = []correspondence.Orphan{}
	}
	log.WithFields(logrus.Fields{
		"teeth":   len(res.Bundles),
		"orphans": len(res.Orphans),
	}).Debug("Correspondence resolved")

	log.Debug("Step 2: Deriving intensity normalization")
	transform, normErr := normalization.Compute(img, in.Regions, a.normalizeOpts)
	if normErr != nil {
		report.NormalizationError = normErr.Error()
		log.WithError(normErr).Warn("No usable normalization reference, bone density will be undetermined")
	} else {
		report.Normalization = &transform
	}

	log.Debug("Step 3: Measuring bone density per mask")
	density := metrics.NewDensityTable(in, transform, normErr, a.metricOpts.MaskThreshold)

	log.Debug("Step 4: Measuring tooth bundles")
	report.Teeth = a.measureBundlesInParallel(in, res.Bundles, density)
	elapsed := time.Since(start)
	report.ElapsedMS = elapsed.Milliseconds()

	log.WithFields(logrus.Fields{
		"teeth":    len(report.Teeth),
		"orphans":  len(report.Orphans),
		"duration": elapsed.String(),
	}).Info("Image analysed")

	return report, nil
}

// measureBundlesInParallel measures every bundle on at most NumCores
// goroutines and gathers the reports over a channel. Once started, an
// image is always measured to the end.
func (a *Analyzer) measureBundlesInParallel(in *models.Input, bundles []correspondence.Bundle, density *metrics.DensityTable) []metrics.Report {
	type measureResult struct {
		index  int
		report metrics.Report
	}
	resultChan := make(chan measureResult)
	slots := make(chan struct{}, a.cfg.Processing.NumCores)

	for i := range bundles {
		go func(idx int) {
			slots <- struct{}{}
			defer func() { <-slots }()

			resultChan <- measureResult{index: idx, report: a.measureBundle(in, &bundles[idx], density)}
		}(i)
	}

	reports := make([]metrics.Report, len(bundles))
	for completed := 0; completed < len(bundles); completed++ {
		res := <-resultChan
		reports[res.index] = res.report
	}

	sort.Slice(reports, func(i, j int) bool { return reports[i].Tooth < reports[j].Tooth })
	return reports
}

// measureBundle measures one bundle. A panic that escapes the per-metric
// guards marks every metric of this tooth as internal-error.
func (a *Analyzer) measureBundle(in *models.Input, b *correspondence.Bundle, density *metrics.DensityTable) (report metrics.Report) {
	defer func() {
		if rec := recover(); rec != nil {
			a.logger.WithFields(logrus.Fields{
				"image": in.Image.ID,
				"tooth": b.Tooth,
				"panic": fmt.Sprint(rec),
			}).Error("Tooth measurement failed")
			report = failedReport(b.Tooth, fmt.Sprint(rec))
		}
	}()

	report = metrics.Measure(in, b, density, a.metricOpts)
	a.logger.WithFields(logrus.Fields{
		"image":  in.Image.ID,
		"tooth":  b.Tooth,
		"shared": len(report.SharedDerived),
	}).Debug("Tooth measured")
	return report
}

func failedReport(tooth int, detail string) metrics.Report {
	status := metrics.Status{Reason: metrics.ReasonInternalError, Detail: detail}
	return metrics.Report{
		Tooth:           tooth,
		PBL:             metrics.PBL{Status: status},
		CrestSmoothness: metrics.CrestSmoothness{Status: status},
		PDLThickness:    metrics.PDLThickness{Status: status},
		LaminaDura:      metrics.LaminaDura{Status: status},
		BoneDensity:     metrics.BoneDensity{Status: status},
	}
}

// AnalyzeBatch analyses many radiographs on a pool of NumCores workers.
// Reports come back in input order. An image that cannot be analysed gets
// a report carrying its error instead of aborting the batch. Cancellation
// is checked between images: images already analysed are returned
// together with the context error.
func (a *Analyzer) AnalyzeBatch(ctx context.Context, inputs []*models.Input) ([]*ImageReport, error) {
	reports := make([]*ImageReport, len(inputs))
	jobs := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < a.cfg.Processing.NumCores; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for idx := range jobs {
				reports[idx] = a.analyzeOne(ctx, inputs[idx], idx, workerID)
			}
		}(w)
	}

	for i := range inputs {
		if ctx.Err() != nil {
			break
		}
		select {
		case jobs <- i:
		case <-ctx.Done():
		}
	}
	close(jobs)
	wg.Wait()

	done := make([]*ImageReport, 0, len(reports))
	for _, r := range reports {
		if r != nil {
			done = append(done, r)
		}
	}

	a.logger.WithFields(logrus.Fields{
		"images":   len(inputs),
		"analysed": len(done),
	}).Info("Batch finished")

	if err := ctx.Err(); err != nil {
		return done, err
	}
	return done, nil
}

// analyzeOne analyses one batch entry; it returns nil only when the image
// was skipped because ctx was cancelled
func (a *Analyzer) analyzeOne(ctx context.Context, in *models.Input, idx, workerID int) *ImageReport {
	report, err := a.AnalyzeImage(ctx, in)
	if err == nil {
		return report
	}
	if ctx.Err() != nil {
		return nil
	}

	id := fmt.Sprintf("#%d", idx)
	if in != nil && in.Image != nil && in.Image.ID != "" {
		id = in.Image.ID
	}
	a.logger.WithFields(logrus.Fields{
		"image":  id,
		"worker": workerID,
	}).WithError(err).Error("Image analysis failed")
	return &ImageReport{Image: id, Error: err.Error(), Teeth: []metrics.Report{}, Orphans: []correspondence.Orphan{}}
}
