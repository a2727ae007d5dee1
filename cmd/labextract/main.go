package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/joelkehle/labextract/internal/batch"
	"github.com/joelkehle/labextract/internal/config"
	"github.com/joelkehle/labextract/internal/extract"
	"github.com/joelkehle/labextract/internal/report"
	"github.com/joelkehle/labextract/internal/store"
)

const usage = `usage: labextract <command> [flags]

commands:
  assess   score an image with the quality gate
  extract  digitize one lab report image
  batch    digitize many images with a bounded worker pool
  render   render a stored or saved record as markdown, html or pdf
  records  list stored records
  trend    show one test's history for a patient
  cache    show cache stats or clear the cache
`

func main() {
	logger := log.New(os.Stderr, "labextract ", log.LstdFlags)
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "assess":
		err = runAssess(args, logger)
	case "extract":
		err = runExtract(ctx, args, logger)
	case "batch":
		err = runBatch(ctx, args, logger)
	case "render":
		err = runRender(ctx, args, logger)
	case "records":
		err = runRecords(ctx, args, logger)
	case "trend":
		err = runTrend(ctx, args, logger)
	case "cache":
		err = runCache(ctx, args, logger)
	case "-h", "-help", "--help", "help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatalf("%s failed: %v", cmd, err)
	}
}

func loadApp(configPath string, logger *log.Logger) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return newApp(cfg, logger), nil
}

func runAssess(args []string, logger *log.Logger) error {
	fs := flag.NewFlagSet("assess", flag.ExitOnError)
	configPath := fs.String("config", os.Getenv("LABEXTRACT_CONFIG"), "Path to YAML config")
	input := fs.String("input", "", "Image to assess")
	fs.Parse(args)
	if *input == "" {
		return errors.New("missing required -input")
	}
	a, err := loadApp(*configPath, logger)
	if err != nil {
		return err
	}
	assessment, err := a.gate.AssessFile(*input)
	if err != nil {
		return fmt.Errorf("assess %s: %w", *input, err)
	}
	return writeJSON("", assessment)
}

func runExtract(ctx context.Context, args []string, logger *log.Logger) error {
	fs := flag.NewFlagSet("extract", flag.ExitOnError)
	configPath := fs.String("config", os.Getenv("LABEXTRACT_CONFIG"), "Path to YAML config")
	input := fs.String("input", "", "Lab report image")
	output := fs.String("output", "", "Path to write the record JSON (defaults to stdout)")
	mdOutput := fs.String("markdown", "", "Optional path to write the markdown report")
	pdfOutput := fs.String("pdf", "", "Optional path to write the PDF report")
	chromePath := fs.String("chrome", "", "Chromium binary for -pdf (defaults to CHROME_PATH or a well-known path)")
	fs.Parse(args)
	if *input == "" {
		return errors.New("missing required -input")
	}

	a, err := loadApp(*configPath, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	progress := func(stage, message string) {
		logger.Printf("stage=%s %s", stage, message)
	}
	if err := a.buildPipeline(ctx, progress); err != nil {
		return err
	}

	rec, err := a.pipeline.Extract(ctx, *input)
	if err != nil {
		var qe *extract.QualityRejectedError
		if errors.As(err, &qe) {
			_ = writeJSON("", rec.Metadata.ImageQuality)
		}
		return err
	}
	if err := writeJSON(*output, rec); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	if *mdOutput != "" {
		if err := writeMarkdown(*mdOutput, report.Markdown(rec)); err != nil {
			return fmt.Errorf("write markdown: %w", err)
		}
	}
	if *pdfOutput != "" {
		if err := writePDF(ctx, *pdfOutput, *chromePath, rec); err != nil {
			return err
		}
	}
	return nil
}

var imageExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".bmp": true, ".tif": true, ".tiff": true, ".webp": true,
}

func runBatch(ctx context.Context, args []string, logger *log.Logger) error {
	fs := flag.NewFlagSet("batch", flag.ExitOnError)
	configPath := fs.String("config", os.Getenv("LABEXTRACT_CONFIG"), "Path to YAML config")
	dir := fs.String("dir", "", "Directory of images (remaining args are added as files)")
	concurrency := fs.Int("concurrency", 0, "Documents in flight (defaults to config)")
	interval := fs.Duration("progress-interval", 5*time.Second, "How often to log progress")
	fs.Parse(args)

	paths, err := collectImages(*dir, fs.Args())
	if err != nil {
		return err
	}
	a, err := loadApp(*configPath, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.buildPipeline(ctx, nil); err != nil {
		return err
	}
	n := a.cfg.Batch.Concurrency
	if *concurrency > 0 {
		n = *concurrency
	}

	orch := a.newOrchestrator()
	jobID, err := orch.Submit(ctx, paths, n)
	if err != nil {
		return err
	}
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	done := make(chan batch.Progress, 1)
	go func() {
		p, _ := orch.Wait(context.Background(), jobID)
		done <- p
	}()
	for {
		select {
		case p := <-done:
			logger.Print(batchSummary(p))
			return writeJSON("", p)
		case <-ticker.C:
			p, _ := orch.Status(jobID)
			logger.Printf("batch progress job=%s done=%d/%d failed=%d eta=%.0fs limiter_rpm=%d",
				jobID, p.Done(), p.Total, p.Failed, p.ETASeconds, a.limiter.Effective())
		case <-ctx.Done():
			logger.Printf("batch cancelling job=%s", jobID)
			_ = orch.Cancel(jobID)
			p := <-done
			_ = writeJSON("", p)
			return ctx.Err()
		}
	}
}

func batchSummary(p batch.Progress) string {
	return fmt.Sprintf("batch finished job=%s status=%s succeeded=%d/%d failed=%d cached=%d success_rate=%.1f%%",
		p.JobID, p.Status, p.Succeeded, p.Total, p.Failed, p.Cached, 100*p.SuccessRate())
}

func collectImages(dir string, files []string) ([]string, error) {
	paths := append([]string(nil), files...)
	if dir != "" {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("read dir: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() || !imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
				continue
			}
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	if len(paths) == 0 {
		return nil, errors.New("no images given; use -dir or list files")
	}
	sort.Strings(paths)
	return paths, nil
}

func runRender(ctx context.Context, args []string, logger *log.Logger) error {
	fs := flag.NewFlagSet("render", flag.ExitOnError)
	configPath := fs.String("config", os.Getenv("LABEXTRACT_CONFIG"), "Path to YAML config")
	input := fs.String("input", "", "Path to a saved record JSON")
	docID := fs.String("doc", "", "Document id of a stored record (used when -input is empty)")
	format := fs.String("format", "markdown", "markdown, html or pdf")
	output := fs.String("output", "", "Path to write the report (defaults to stdout; required for pdf)")
	chromePath := fs.String("chrome", "", "Chromium binary for pdf (defaults to CHROME_PATH or a well-known path)")
	fs.Parse(args)

	var rec extract.NormalizedRecord
	switch {
	case *input != "":
		in, err := os.ReadFile(*input)
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}
		if err := json.Unmarshal(in, &rec); err != nil {
			return fmt.Errorf("decode input JSON: %w", err)
		}
	case *docID != "":
		a, err := loadApp(*configPath, logger)
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.openStore(); err != nil {
			return err
		}
		if rec, err = a.store.GetRecord(ctx, *docID); err != nil {
			return err
		}
	default:
		return errors.New("missing required -input or -doc")
	}

	switch *format {
	case "markdown", "md":
		return writeMarkdown(*output, report.Markdown(rec))
	case "html":
		doc, err := report.HTMLDocument(rec)
		if err != nil {
			return err
		}
		return writeMarkdown(*output, doc)
	case "pdf":
		if *output == "" {
			return errors.New("pdf output needs -output")
		}
		return writePDF(ctx, *output, *chromePath, rec)
	default:
		return fmt.Errorf("unknown format %q", *format)
	}
}

func runRecords(ctx context.Context, args []string, logger *log.Logger) error {
	fs := flag.NewFlagSet("records", flag.ExitOnError)
	configPath := fs.String("config", os.Getenv("LABEXTRACT_CONFIG"), "Path to YAML config")
	patient := fs.String("patient", "", "Only records for this patient id")
	review := fs.Bool("needs-review", false, "Only records that need review")
	limit := fs.Int("limit", 50, "Maximum records")
	fs.Parse(args)

	a, err := loadApp(*configPath, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.openStore(); err != nil {
		return err
	}
	out, err := a.store.ListRecords(ctx, store.RecordFilter{PatientID: *patient, NeedsReviewOnly: *review, Limit: *limit})
	if err != nil {
		return err
	}
	return writeJSON("", out)
}

func runTrend(ctx context.Context, args []string, logger *log.Logger) error {
	fs := flag.NewFlagSet("trend", flag.ExitOnError)
	configPath := fs.String("config", os.Getenv("LABEXTRACT_CONFIG"), "Path to YAML config")
	patient := fs.String("patient", "", "Patient id")
	test := fs.String("test", "", "Canonical test name, e.g. Hemoglobin")
	fs.Parse(args)
	if *patient == "" || *test == "" {
		return errors.New("missing required -patient and -test")
	}

	a, err := loadApp(*configPath, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.openStore(); err != nil {
		return err
	}
	points, err := a.store.PatientTrend(ctx, *patient, *test)
	if err != nil {
		return err
	}
	for _, p := range points {
		value := p.RawValue
		if p.Value.Valid {
			value = fmt.Sprintf("%g", p.Value.Float64)
		}
		date := p.ReportDate
		if date == "" {
			date = p.CompletedAt
		}
		fmt.Printf("%s\t%s %s\t%s\t%s\n", date, value, p.Unit, p.Flag, p.DocumentID)
	}
	return nil
}

func runCache(ctx context.Context, args []string, logger *log.Logger) error {
	fs := flag.NewFlagSet("cache", flag.ExitOnError)
	configPath := fs.String("config", os.Getenv("LABEXTRACT_CONFIG"), "Path to YAML config")
	clearAll := fs.Bool("clear", false, "Remove every cached extraction")
	fs.Parse(args)

	a, err := loadApp(*configPath, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	a.openCache(ctx)
	if *clearAll {
		a.cache.Clear(ctx)
		logger.Printf("cache cleared")
	}
	return writeJSON("", a.cache.Stats())
}

func pdfRenderer(chromePath string) *report.ChromiumPDFRenderer {
	r := report.NewChromiumPDFRenderer()
	if chromePath != "" {
		r.WithChromePath(chromePath)
	}
	return r
}

func writePDF(ctx context.Context, path, chromePath string, rec extract.NormalizedRecord) error {
	pdf, err := pdfRenderer(chromePath).Render(ctx, rec)
	if err != nil {
		return fmt.Errorf("render pdf: %w", err)
	}
	return os.WriteFile(path, pdf, 0o644)
}

func writeMarkdown(outputPath, markdown string) error {
	if outputPath == "" {
		_, err := fmt.Print(markdown)
		return err
	}
	return os.WriteFile(outputPath, []byte(markdown), 0o644)
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	if path == "" {
		_, err = os.Stdout.Write(b)
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
