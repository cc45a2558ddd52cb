// Package batch runs denoising over a directory tree of micrographs.
//
// Each immediate sub-directory of the input selects a model through the
// configured directory map. Images are denoised in one pass when they are
// small enough and by tiled reconstruction otherwise. Results are written
// to a mirrored tree under the output directory.
package batch

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gonum.org/v1/gonum/mat"

	"emdenoise/internal/logger"
	"emdenoise/internal/models"
	"emdenoise/pkg/config"
	"emdenoise/pkg/inference"
	"emdenoise/pkg/reconstruction"
	"emdenoise/pkg/tiffio"
	"emdenoise/pkg/tiling"
)

const component = "BatchDriver"

// job is one image to denoise
type job struct {
	input  string
	output string
	model  models.ModelID
}

// Driver denoises every image below an input directory
type Driver struct {
	cfg *config.Config
	reg *inference.Registry
	log logger.Logger
}

// NewDriver creates a driver. A nil logger discards output.
func NewDriver(cfg *config.Config, reg *inference.Registry, log logger.Logger) *Driver {
	return &Driver{
		cfg: cfg,
		reg: reg,
		log: logger.OrNop(log),
	}
}

// Run processes inputDir and writes results below outputDir.
//
// Configuration problems, an unreadable input directory and models that
// are not registered fail the whole run before any image is read. Errors
// on individual images are recorded in the summary and the run continues.
func (d *Driver) Run(inputDir, outputDir string) (*Summary, error) {
	if err := d.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	overlap, err := reconstruction.ParseOverlapPolicy(d.cfg.Tiling.Overlap)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(inputDir)
	if err != nil {
		return nil, fmt.Errorf("input directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("input %s is not a directory", inputDir)
	}

	jobs, skipped, err := d.discover(inputDir, outputDir)
	if err != nil {
		return nil, err
	}

	backends, err := d.reg.Resolve(modelIDs(jobs))
	if err != nil {
		return nil, err
	}

	rec := reconstruction.NewReconstructor(&reconstruction.Params{
		PatchSize: d.cfg.Tiling.PatchSize,
		Stride:    d.cfg.Tiling.Stride,
		BatchSize: d.cfg.Tiling.BatchSize,
		Workers:   d.cfg.Tiling.Workers,
		Overlap:   overlap,
	}, d.log)

	d.log.Info(component, "starting run", map[string]interface{}{
		"input":   inputDir,
		"output":  outputDir,
		"images":  len(jobs),
		"skipped": skipped,
	})
	start := time.Now()

	summary := &Summary{Skipped: skipped}
	for i, j := range jobs {
		res := d.process(rec, j, backends[j.model])
		if res.Error != "" {
			summary.Failed++
			d.log.Warning(component, "image failed", map[string]interface{}{
				"input": j.input,
				"error": res.Error,
			})
		} else {
			summary.Processed++
			d.log.Info(component, "image denoised", map[string]interface{}{
				"progress": fmt.Sprintf("%d/%d", i+1, len(jobs)),
				"input":    j.input,
				"model":    j.model.String(),
				"tiled":    res.Tiled,
				"seconds":  res.Seconds,
			})
		}
		summary.Results = append(summary.Results, res)
	}
	summary.Seconds = time.Since(start).Seconds()

	if d.cfg.Processing.Summary {
		if err := os.MkdirAll(outputDir, 0755); err != nil {
			return summary, fmt.Errorf("creating output directory: %w", err)
		}
		path := filepath.Join(outputDir, SummaryFile)
		if err := summary.Save(path); err != nil {
			return summary, err
		}
		d.log.Debug(component, "summary written", map[string]interface{}{"path": path})
	}

	d.log.Info(component, "run finished", map[string]interface{}{
		"processed": summary.Processed,
		"failed":    summary.Failed,
		"skipped":   summary.Skipped,
		"seconds":   summary.Seconds,
	})
	return summary, nil
}

// discover lists the images of inputDir and its immediate sub-directories
// together with their model. Images with no model are counted as skipped.
func (d *Driver) discover(inputDir, outputDir string) ([]job, int, error) {
	entries, err := os.ReadDir(inputDir)
	if err != nil {
		return nil, 0, fmt.Errorf("listing %s: %w", inputDir, err)
	}

	var (
		jobs    []job
		skipped int
		top     []string
	)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if d.isImage(e.Name()) {
			top = append(top, e.Name())
		}
	}
	if len(top) > 0 {
		if id := d.cfg.Processing.DefaultModel; id != models.ModelUnknown {
			jobs = append(jobs, d.jobs(inputDir, outputDir, top, id)...)
		} else {
			skipped += len(top)
			d.log.Warning(component, "no default model, skipping top-level images", map[string]interface{}{
				"images": len(top),
			})
		}
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sub := filepath.Join(inputDir, e.Name())
		names, err := d.listImages(sub)
		if err != nil {
			return nil, 0, err
		}
		if len(names) == 0 {
			continue
		}

		id, ok := d.cfg.Directories[e.Name()]
		if !ok {
			skipped += len(names)
			d.log.Warning(component, "directory has no model, skipping", map[string]interface{}{
				"directory": sub,
				"images":    len(names),
			})
			continue
		}
		jobs = append(jobs, d.jobs(sub, filepath.Join(outputDir, e.Name()), names, id)...)
	}

	return jobs, skipped, nil
}

func (d *Driver) listImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && d.isImage(e.Name()) {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

func (d *Driver) jobs(inDir, outDir string, names []string, id models.ModelID) []job {
	out := make([]job, 0, len(names))
	for _, name := range names {
		base := strings.TrimSuffix(name, filepath.Ext(name))
		out = append(out, job{
			input:  filepath.Join(inDir, name),
			output: filepath.Join(outDir, base+d.cfg.Output.Suffix+".tif"),
			model:  id,
		})
	}
	return out
}

func (d *Driver) isImage(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range d.cfg.Processing.Extensions {
		if strings.ToLower(e) == ext {
			return true
		}
	}
	return false
}

// shouldTile reports whether an image is denoised patch by patch. Images
// within the direct size, or smaller than a patch, go through in one call.
func (d *Driver) shouldTile(height, width int) bool {
	t := d.cfg.Tiling
	tooLarge := height > t.MaxDirectSize || width > t.MaxDirectSize
	return tooLarge && height >= t.PatchSize && width >= t.PatchSize
}

// process denoises a single image and never returns an error; failures
// end up in the result.
func (d *Driver) process(rec *reconstruction.Reconstructor, j job, b inference.Backend) ImageResult {
	start := time.Now()
	res := ImageResult{
		Input:   j.input,
		Model:   j.model,
		Backend: b.Name(),
	}
	fail := func(err error) ImageResult {
		res.Error = err.Error()
		res.Seconds = time.Since(start).Seconds()
		return res
	}

	img, err := tiffio.Read(j.input)
	if err != nil {
		return fail(err)
	}
	res.Height, res.Width = img.Dims()
	res.DType = img.DType.String()
	res.Calibration = img.Calibration

	res.Tiled = d.shouldTile(res.Height, res.Width)
	if res.Tiled {
		grid, err := tiling.NewGrid(res.Height, res.Width, d.cfg.Tiling.PatchSize, d.cfg.Tiling.Stride)
		if err != nil {
			return fail(err)
		}
		res.Patches = grid.Len()
	}

	out, attempts, err := d.denoise(rec, img, res.Tiled, inference.Func(b))
	res.Attempts = attempts
	if err != nil {
		return fail(err)
	}

	if err := os.MkdirAll(filepath.Dir(j.output), 0755); err != nil {
		return fail(fmt.Errorf("creating output directory: %w", err))
	}
	if err := tiffio.Write(j.output, out, img.Calibration); err != nil {
		return fail(err)
	}
	res.Output = j.output

	if d.cfg.Processing.Metrics {
		m := reconstruction.Measure(img.Data, out)
		res.Metrics = &m
	}
	res.Seconds = time.Since(start).Seconds()
	return res
}

// denoise runs the backend, retrying backend failures. Configuration
// errors are returned at once since a retry cannot fix them.
func (d *Driver) denoise(rec *reconstruction.Reconstructor, img *models.Image, tiled bool, predict reconstruction.PredictFunc) (*mat.Dense, int, error) {
	retries := d.cfg.Processing.Retries
	for attempt := 1; ; attempt++ {
		var (
			out *mat.Dense
			err error
		)
		if tiled {
			out, err = rec.Reconstruct(img.Data, predict)
		} else {
			out, err = reconstruction.PredictWhole(img.Data, predict)
		}
		if err == nil {
			return out, attempt, nil
		}
		if !reconstruction.IsBackendError(err) || attempt > retries {
			return nil, attempt, err
		}
		d.log.Warning(component, "backend failed, retrying", map[string]interface{}{
			"input":   img.Path,
			"attempt": attempt,
			"error":   err.Error(),
		})
	}
}

// modelIDs returns the distinct models the jobs need, in ascending order.
func modelIDs(jobs []job) []models.ModelID {
	seen := make(map[models.ModelID]bool)
	var ids []models.ModelID
	for _, j := range jobs {
		if !seen[j.model] {
			seen[j.model] = true
			ids = append(ids, j.model)
		}
	}
	sort.Slice(ids, func(i, k int) bool { return ids[i] < ids[k] })
	return ids
}
