package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"periometry/internal/models"
	"periometry/pkg/analysis"
	"periometry/pkg/config"
	"periometry/pkg/dataset"
	"periometry/pkg/report"
	"periometry/pkg/visualization"
)

func main() {
	// Parse command line arguments
	inputDir := flag.String("input", "", "Directory containing radiographs and their annotations")
	configPath := flag.String("config", "periometry.yaml", "Configuration file (defaults are used when missing)")
	outputPath := flag.String("output", "report.json", "Report file (.json or .yaml)")
	format := flag.String("format", "", "Report format: json or yaml (default: from output extension, then config)")
	numCores := flag.Int("cores", 0, "Number of goroutines to use (default: from config)")
	overlayDir := flag.String("overlay-dir", "", "Directory to save annotated overlays (disabled when empty)")
	toothCrops := flag.Bool("tooth-crops", false, "Also save one overlay crop per tooth")
	binarize := flag.Bool("binarize", false, "Threshold mask rasters before analysis")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	initConfig := flag.String("init-config", "", "Write a default configuration file to this path and exit")
	flag.Parse()

	if *initConfig != "" {
		if err := config.CreateDefaultConfigFile(*initConfig); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write configuration: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Default configuration written to %s\n", *initConfig)
		return
	}

	// Validate inputs
	if *inputDir == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *numCores > 0 {
		cfg.Processing.NumCores = *numCores
	}
	if *format != "" {
		cfg.Output.Format = strings.ToLower(*format)
	} else {
		cfg.Output.Format = report.FormatFromPath(*outputPath, cfg.Output.Format)
	}
	cfg.Output.Verbose = cfg.Output.Verbose || *verbose

	logger := initLogger(cfg.Output.Verbose)
	logger.WithFields(logrus.Fields{
		"input":  *inputDir,
		"config": *configPath,
		"cores":  cfg.Processing.NumCores,
	}).Info("Starting periodontal morphometry")

	analyzer, err := analysis.New(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load the dataset
	opts := dataset.DefaultOptions()
	opts.BinarizeMasks = *binarize
	inputs, failures, err := dataset.LoadDir(*inputDir, opts)
	if err != nil {
		logger.WithError(err).Fatal("Failed to read dataset")
	}
	for _, f := range failures {
		logger.WithError(f).Warn("Skipping radiograph")
	}
	logger.WithField("images", len(inputs)).Info("Dataset loaded")

	// Run the analysis
	startTime := time.Now()
	reports, batchErr := analyzer.AnalyzeBatch(ctx, inputs)
	if batchErr != nil {
		logger.WithError(batchErr).Warn("Analysis interrupted, writing partial report")
	}

	doc := report.Build(reports)
	if err := report.WriteFile(*outputPath, doc, cfg.Output.Format); err != nil {
		logger.WithError(err).Fatal("Failed to write report")
	}

	if *overlayDir != "" {
		saveOverlays(logger, *overlayDir, inputs, reports, *toothCrops)
	}

	fmt.Printf("\nAnalysis completed in %.2f seconds\n", time.Since(startTime).Seconds())
	fmt.Printf("Report saved to: %s\n", *outputPath)
	fmt.Printf("- Images: %d (%d failed)\n", doc.Summary.Images, doc.Summary.Failed)
	fmt.Printf("- Teeth: %d, orphan detections: %d\n", doc.Summary.Teeth, doc.Summary.Orphans)
	fmt.Printf("- Teeth with PBL outside the CEJ-apex span: %d\n", doc.Summary.Flagged)

	if batchErr != nil {
		os.Exit(2)
	}
}

// saveOverlays writes one overlay per analysed radiograph, matching
// reports to inputs by image ID
func saveOverlays(logger *logrus.Logger, dir string, inputs []*models.Input, reports []*analysis.ImageReport, crops bool) {
	byID := make(map[string]*models.Input, len(inputs))
	for _, in := range inputs {
		byID[in.Image.ID] = in
	}

	for _, r := range reports {
		in, ok := byID[r.Image]
		if !ok || r.Error != "" {
			continue
		}
		stem := strings.TrimSuffix(r.Image, filepath.Ext(r.Image))
		viewer := visualization.NewViewer(in, r)

		log := logger.WithField("image", r.Image)
		if err := viewer.SaveOverlay(filepath.Join(dir, stem+"_overlay.png")); err != nil {
			log.WithError(err).Warn("Failed to save overlay")
			continue
		}
		if crops {
			n, err := viewer.SaveToothCrops(filepath.Join(dir, stem), stem)
			if err != nil {
				log.WithError(err).Warn("Failed to save tooth crops")
				continue
			}
			log.WithField("crops", n).Debug("Tooth crops saved")
		}
	}
}

// initLogger initializes the logger with appropriate level
func initLogger(debugMode bool) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)

	if debugMode {
		logger.SetLevel(logrus.DebugLevel)
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
			ForceColors:   true,
		})
		logger.Debug("Debug logging enabled")
	} else {
		logger.SetLevel(logrus.InfoLevel)
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}

	return logger
}
