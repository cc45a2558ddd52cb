package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"emdenoise/internal/logger"
	"emdenoise/internal/models"
	"emdenoise/pkg/batch"
	"emdenoise/pkg/config"
	"emdenoise/pkg/inference"
)

func main() {
	// Parse command line arguments
	inputDir := flag.String("input", "", "Directory containing TIFF micrographs, one sub-directory per model")
	outputDir := flag.String("output", "denoised", "Directory to write denoised images to")
	configPath := flag.String("config", "emdenoise.yaml", "Configuration file (defaults are used if it does not exist)")
	model := flag.String("model", "", "Model for images directly inside the input directory (sem, tem, haadf, bf)")
	patchSize := flag.Int("patch", 0, "Patch edge length in pixels")
	stride := flag.Int("stride", 0, "Distance between patch origins in pixels")
	batchSize := flag.Int("batch", 0, "Patches per inference call")
	workers := flag.Int("workers", 0, "Concurrent inference calls per image")
	blend := flag.Bool("blend", false, "Blend overlapping patches instead of overwriting them")
	writeConfig := flag.String("write-config", "", "Write the default configuration to this file and exit")
	flag.Parse()

	if *writeConfig != "" {
		if err := config.CreateDefaultConfigFile(*writeConfig); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write configuration: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Default configuration written to %s\n", *writeConfig)
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

	// Flags given on the command line override the file
	var flagErr error
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "model":
			id, err := models.ParseModelID(*model)
			if err != nil {
				flagErr = err
				return
			}
			cfg.Processing.DefaultModel = id
		case "patch":
			cfg.Tiling.PatchSize = *patchSize
		case "stride":
			cfg.Tiling.Stride = *stride
		case "batch":
			cfg.Tiling.BatchSize = *batchSize
		case "workers":
			cfg.Tiling.Workers = *workers
		case "blend":
			if *blend {
				cfg.Tiling.Overlap = "blend"
			} else {
				cfg.Tiling.Overlap = "overwrite"
			}
		}
	})
	if flagErr != nil {
		fmt.Fprintf(os.Stderr, "Invalid flag: %v\n", flagErr)
		os.Exit(1)
	}

	level := logger.ParseLevel(cfg.Output.LogLevel)
	if cfg.Output.Verbose {
		level = zerolog.DebugLevel
	}
	log := logger.NewConsoleLogger(level)

	if err := cfg.Validate(); err != nil {
		log.Error("Main", err, map[string]interface{}{"config": *configPath})
		os.Exit(1)
	}

	reg, err := inference.LoadRegistry(cfg.Models)
	if err != nil {
		log.Error("Main", err, nil)
		os.Exit(1)
	}

	fmt.Println("================================")
	fmt.Println("TILED DENOISING OF ELECTRON MICROSCOPY IMAGES")
	fmt.Println("================================")
	fmt.Printf("Input:   %s\n", *inputDir)
	fmt.Printf("Output:  %s\n", *outputDir)
	fmt.Printf("Tiling:  patch %d, stride %d, batch %d, %d workers, %s\n",
		cfg.Tiling.PatchSize, cfg.Tiling.Stride, cfg.Tiling.BatchSize, cfg.Tiling.Workers, cfg.Tiling.Overlap)

	startTime := time.Now()
	summary, err := batch.NewDriver(cfg, reg, log).Run(*inputDir, *outputDir)
	if err != nil {
		log.Error("Main", err, nil)
		os.Exit(1)
	}
	processingTime := time.Since(startTime)

	fmt.Printf("\nProcessed %d images in %.2f seconds (%d failed, %d skipped)\n",
		summary.Processed, processingTime.Seconds(), summary.Failed, summary.Skipped)

	if cfg.Processing.Metrics && summary.Processed > 0 {
		fmt.Printf("\nQuality Metrics:\n")
		fmt.Printf("================\n")
		for _, r := range summary.Results {
			if r.Failed() || r.Metrics == nil {
				continue
			}
			rel, err := filepath.Rel(*inputDir, r.Input)
			if err != nil {
				rel = r.Input
			}
			fmt.Printf("%-40s noise %.3f -> %.3f  SSIM %.3f  RMSE %.4f\n",
				rel, r.Metrics.NoiseBefore, r.Metrics.NoiseAfter, r.Metrics.SSIM, r.Metrics.RMSE)
		}
	}

	if cfg.Processing.Summary {
		fmt.Printf("\nSummary saved to: %s\n", filepath.Join(*outputDir, batch.SummaryFile))
	}

	if err := summary.Err(); err != nil {
		for _, r := range summary.Results {
			if r.Failed() {
				fmt.Fprintf(os.Stderr, "FAILED %s: %s\n", r.Input, r.Error)
			}
		}
		os.Exit(1)
	}
}
