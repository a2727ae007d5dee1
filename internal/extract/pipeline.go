// Package extract turns one lab-report image into a NormalizedRecord: quality
// gate, rate-limited vision call, normalization, validation, patient matching
// and summary, with a content-addressed cache in front.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/joelkehle/labextract/internal/cache"
	"github.com/joelkehle/labextract/internal/identity"
	"github.com/joelkehle/labextract/internal/normalize"
	"github.com/joelkehle/labextract/internal/panel"
	"github.com/joelkehle/labextract/internal/quality"
	"github.com/joelkehle/labextract/internal/verify"
)

const DefaultCallTimeout = 120 * time.Second

const tracerName = "labextract/extract"

// RecordSink persists finished records.
type RecordSink interface {
	SaveRecord(ctx context.Context, rec NormalizedRecord) error
}

type StageProgressFn func(stage, message string)

type Pipeline struct {
	gate        *quality.Gate
	vision      VisionExtractor
	normalizer  *normalize.Normalizer
	patients    *identity.Matcher
	panels      *panel.Validator
	classifier  DocumentClassifier
	limiter     Limiter
	cache       *cache.Manager
	summarizer  Summarizer
	reviewer    LLMCaller
	sink        RecordSink
	progress    StageProgressFn
	logger      *log.Logger
	tracer      trace.Tracer
	now         func() time.Time
	callTimeout time.Duration
	model       string
}

type Option func(*Pipeline)

func WithClassifier(c DocumentClassifier) Option {
	return func(p *Pipeline) { p.classifier = c }
}

func WithLimiter(l Limiter) Option {
	return func(p *Pipeline) { p.limiter = l }
}

func WithCache(c *cache.Manager) Option {
	return func(p *Pipeline) { p.cache = c }
}

func WithSummarizer(s Summarizer) Option {
	return func(p *Pipeline) { p.summarizer = s }
}

func WithReviewer(c LLMCaller) Option {
	return func(p *Pipeline) { p.reviewer = c }
}

func WithSink(s RecordSink) Option {
	return func(p *Pipeline) { p.sink = s }
}

func WithProgress(fn StageProgressFn) Option {
	return func(p *Pipeline) { p.progress = fn }
}

func WithLogger(l *log.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

func WithModel(name string) Option {
	return func(p *Pipeline) { p.model = name }
}

func WithPanelValidator(v *panel.Validator) Option {
	return func(p *Pipeline) { p.panels = v }
}

func WithCallTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.callTimeout = d
		}
	}
}

func NewPipeline(gate *quality.Gate, vision VisionExtractor, normalizer *normalize.Normalizer, patients *identity.Matcher, opts ...Option) *Pipeline {
	p := &Pipeline{
		gate:        gate,
		vision:      vision,
		normalizer:  normalizer,
		patients:    patients,
		panels:      panel.NewValidator(nil),
		summarizer:  FallbackSummarizer{},
		logger:      log.Default(),
		tracer:      otel.Tracer(tracerName),
		now:         time.Now,
		callTimeout: DefaultCallTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Extract processes one document, using its file name as the document id.
func (p *Pipeline) Extract(ctx context.Context, documentPath string) (NormalizedRecord, error) {
	return p.ExtractDocument(ctx, filepath.Base(documentPath), documentPath)
}

// ExtractDocument returns a partially filled record alongside any error so
// callers can report the quality assessment of a rejected image.
func (p *Pipeline) ExtractDocument(ctx context.Context, documentID, documentPath string) (NormalizedRecord, error) {
	ctx, span := p.tracer.Start(ctx, "extract.document", trace.WithAttributes(
		attribute.String("document.id", documentID),
	))
	defer span.End()

	rec, err := p.run(ctx, documentID, documentPath)
	span.SetAttributes(
		attribute.Bool("cache.hit", rec.Metadata.Cached),
		attribute.Float64("quality.score", rec.Metadata.ImageQuality.Score),
		attribute.Int("tests.count", len(rec.Tests)),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.logger.Printf("extract document failed doc=%s: %v", documentID, err)
		return rec, err
	}
	if p.sink != nil {
		if err := p.sink.SaveRecord(ctx, rec); err != nil {
			p.logger.Printf("extract save record failed doc=%s: %v", documentID, err)
		}
	}
	return rec, nil
}

func (p *Pipeline) run(ctx context.Context, documentID, path string) (NormalizedRecord, error) {
	started := p.now().UTC()
	rec := NormalizedRecord{DocumentID: documentID, SourcePath: path}
	rec.Metadata.StartedAt = started
	rec.Metadata.StageDurations = map[string]string{}

	data, img, err := loadImage(path)
	if err != nil {
		return rec, &StageError{Stage: "load", Err: err}
	}
	rec.ContentHash = cache.Key(data)

	if cached, ok := p.lookup(ctx, rec.ContentHash); ok {
		cached.DocumentID = documentID
		cached.SourcePath = path
		cached.Metadata.Cached = true
		cached.Metadata.StartedAt = started
		cached.Metadata.CompletedAt = p.now().UTC()
		p.emit(documentID, "cache", fmt.Sprintf("cache hit hash=%s", shortHash(rec.ContentHash)))
		return cached, nil
	}

	var assessment quality.Assessment
	p.stage(ctx, &rec, "quality", func(context.Context) error {
		assessment = p.gate.Assess(img)
		return nil
	})
	rec.Metadata.ImageQuality = assessment
	if !assessment.Acceptable {
		return rec, &QualityRejectedError{Assessment: assessment}
	}

	in, err := visionInput(path, data, img, MaxVisionEdge)
	if err != nil {
		return rec, &StageError{Stage: "prepare", Err: err}
	}

	if p.classifier != nil {
		var cls Classification
		var ok bool
		p.stage(ctx, &rec, "classify", func(ctx context.Context) error {
			cls, ok = p.classify(ctx, in)
			return nil
		})
		rec.Metadata.DocumentType = cls.DocumentType
		if !ok {
			return rec, &StageError{Stage: "classify", Err: fmt.Errorf("%w: %s", ErrNotLabReport, cls.DocumentType)}
		}
	}

	var raw RawExtraction
	if err := p.stage(ctx, &rec, "vision", func(ctx context.Context) error {
		var err error
		raw, err = p.callVision(ctx, in)
		return err
	}); err != nil {
		return rec, &StageError{Stage: "vision", Err: err}
	}
	rows := flatten(raw)
	if len(rows) == 0 {
		return rec, &StageError{Stage: "vision", Err: errEmptyExtraction}
	}
	rec.Metadata.Model = p.model

	var out normalize.Output
	p.stage(ctx, &rec, "normalize", func(ctx context.Context) error {
		out = p.normalizer.Normalize(ctx, rows)
		return nil
	})
	tests := sanitize(out.Tests)
	rec.Unresolved = out.Unresolved
	rec.Metadata.MappingStats = out.Stats
	issues := append([]string{}, out.Issues...)

	if p.reviewer != nil {
		p.stage(ctx, &rec, "review", func(ctx context.Context) error {
			reviewed, err := reviewRows(ctx, p.reviewer, tests)
			if err != nil {
				p.logger.Printf("extract review failed doc=%s: %v", documentID, err)
				return nil
			}
			tests = reviewed
			return nil
		})
	}
	rec.Tests = tests

	p.stage(ctx, &rec, "validate", func(context.Context) error {
		rec.Panels = p.panels.Validate(tests)
		rec.Verification = verify.Verify(tests)
		return nil
	})
	if rec.Panels.NeedsReview {
		issues = append(issues, "Missing panel tests: "+strings.Join(rec.Panels.ReviewReasons, ", "))
	}
	for _, w := range firstN(rec.Verification.Warnings, 3) {
		issues = append(issues, "Quality: "+w)
	}
	for _, e := range firstN(rec.Verification.Errors, 3) {
		issues = append(issues, "Quality Error: "+e)
	}

	rec.Patient = patientFromRaw(raw.PatientInfo)
	if p.patients != nil {
		rec.Patient = p.patients.Resolve(documentID, rec.Patient)
	}

	p.stage(ctx, &rec, "summary", func(ctx context.Context) error {
		rec.Summary = p.summarizer.Summarize(ctx, tests, rec.Patient)
		return nil
	})

	rec.Metadata.QualityScore = rec.Verification.Score
	rec.Metadata.Confidence = confidence(tests, rec.Verification.Score)
	rec.Metadata.Issues = issues
	rec.Metadata.CompletedAt = p.now().UTC()

	p.store(ctx, rec)
	p.logger.Printf("extract complete doc=%s tests=%d unknown=%d confidence=%.2f quality=%.2f",
		documentID, len(tests), len(rec.Unresolved), rec.Metadata.Confidence, rec.Metadata.QualityScore)
	return rec, nil
}

// callVision admits the call through the limiter and bounds it by the call
// timeout. The result arrives on a channel so a stuck adapter cannot outlive
// the deadline.
func (p *Pipeline) callVision(ctx context.Context, in ImageInput) (RawExtraction, error) {
	if p.limiter != nil {
		if err := p.limiter.Acquire(ctx); err != nil {
			return RawExtraction{}, err
		}
	}
	callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()

	var res ExtractResult
	select {
	case res = <-ExtractAsync(callCtx, p.vision, in, ExtractionPrompt):
	case <-callCtx.Done():
		res.Err = callCtx.Err()
	}
	err := markRateLimit(res.Err)
	if p.limiter != nil {
		err = report(p.limiter, err)
	}
	return res.Raw, err
}

// classify fails open: if the check itself errors the document proceeds.
func (p *Pipeline) classify(ctx context.Context, in ImageInput) (Classification, bool) {
	if p.limiter != nil {
		if err := p.limiter.Acquire(ctx); err != nil {
			return Classification{DocumentType: "Verification skipped"}, true
		}
	}
	callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()
	cls, err := p.classifier.Classify(callCtx, in)
	err = markRateLimit(err)
	if p.limiter != nil {
		err = report(p.limiter, err)
	}
	if err != nil {
		p.logger.Printf("extract classify failed: %v", err)
		return Classification{DocumentType: "Verification failed"}, true
	}
	return cls, cls.IsLabReport && cls.Confidence >= minLabReportConfidence
}

func (p *Pipeline) lookup(ctx context.Context, key string) (NormalizedRecord, bool) {
	if p.cache == nil {
		return NormalizedRecord{}, false
	}
	e, ok := p.cache.Get(ctx, key)
	if !ok {
		return NormalizedRecord{}, false
	}
	var rec NormalizedRecord
	if err := json.Unmarshal(e.Payload, &rec); err != nil {
		p.logger.Printf("extract cache decode failed hash=%s: %v", shortHash(key), err)
		return NormalizedRecord{}, false
	}
	return rec, true
}

func (p *Pipeline) store(ctx context.Context, rec NormalizedRecord) {
	if p.cache == nil {
		return
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		p.logger.Printf("extract cache encode failed doc=%s: %v", rec.DocumentID, err)
		return
	}
	if err := p.cache.Put(ctx, rec.ContentHash, payload); err != nil {
		p.logger.Printf("extract cache put failed doc=%s: %v", rec.DocumentID, err)
	}
}

func (p *Pipeline) stage(ctx context.Context, rec *NormalizedRecord, name string, fn func(context.Context) error) error {
	ctx, span := p.tracer.Start(ctx, "extract."+name)
	defer span.End()
	p.emit(rec.DocumentID, name, "stage_start")
	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start).Round(time.Millisecond)
	rec.Metadata.StageDurations[name] = elapsed.String()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.emit(rec.DocumentID, name, fmt.Sprintf("stage_failed elapsed=%s", elapsed))
		return err
	}
	p.emit(rec.DocumentID, name, fmt.Sprintf("stage_done elapsed=%s", elapsed))
	return nil
}

func (p *Pipeline) emit(documentID, stage, message string) {
	p.logger.Printf("extract %s doc=%s stage=%s", message, documentID, stage)
	if p.progress != nil {
		p.progress(stage, message)
	}
}

func firstN(s []string, n int) []string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func shortHash(h string) string {
	if len(h) > 8 {
		return h[:8]
	}
	return h
}
