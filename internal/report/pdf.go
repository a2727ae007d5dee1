package report

import (
	"context"
	"encoding/base64"
	"fmt"
	"html"
	"os"
	"strings"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/joelkehle/labextract/internal/extract"
)

const pdfTimeout = 30 * time.Second

// Paper sizes in inches.
type Paper struct {
	Width, Height float64
}

var (
	PaperA4     = Paper{Width: 8.27, Height: 11.69}
	PaperLetter = Paper{Width: 8.5, Height: 11}
)

// ChromiumPDFRenderer prints HTMLDocument through headless Chromium.
type ChromiumPDFRenderer struct {
	chromePath string
	paper      Paper
}

func NewChromiumPDFRenderer() *ChromiumPDFRenderer {
	return &ChromiumPDFRenderer{chromePath: detectChromePath(), paper: PaperA4}
}

// WithChromePath overrides browser discovery.
func (r *ChromiumPDFRenderer) WithChromePath(path string) *ChromiumPDFRenderer {
	r.chromePath = path
	return r
}

func (r *ChromiumPDFRenderer) WithPaper(p Paper) *ChromiumPDFRenderer {
	r.paper = p
	return r
}

func (r *ChromiumPDFRenderer) Render(ctx context.Context, rec extract.NormalizedRecord) ([]byte, error) {
	doc, err := HTMLDocument(rec)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, pdfTimeout)
	defer cancel()

	browserCtx, closeBrowser := r.browser(ctx)
	defer closeBrowser()

	var pdf []byte
	err = chromedp.Run(browserCtx,
		chromedp.Navigate("data:text/html;base64,"+base64.StdEncoding.EncodeToString([]byte(doc))),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			out, _, err := r.printParams(rec).Do(ctx)
			pdf = out
			return err
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("print %s: %w", rec.DocumentID, err)
	}
	return pdf, nil
}

func (r *ChromiumPDFRenderer) browser(ctx context.Context) (context.Context, context.CancelFunc) {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if r.chromePath != "" {
		opts = append(opts, chromedp.ExecPath(r.chromePath))
	}
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	taskCtx, cancelTask := chromedp.NewContext(allocCtx)
	return taskCtx, func() {
		cancelTask()
		cancelAlloc()
	}
}

// printParams puts the document id and review state in the running header so
// loose pages can be matched back to their record.
func (r *ChromiumPDFRenderer) printParams(rec extract.NormalizedRecord) *page.PrintToPDFParams {
	state := "Verified"
	if rec.NeedsReview() {
		state = "Needs review"
	}
	header := `<div style="width:100%;font-size:8px;color:#555;padding:0 0.45in;display:flex;justify-content:space-between;">` +
		`<span>` + html.EscapeString(rec.DocumentID) + `</span><span>` + state + `</span></div>`
	footer := `<div style="width:100%;text-align:center;font-size:8px;color:#555;">` +
		html.EscapeString(strings.Trim(Disclaimer, "_")) + ` &middot; Page <span class="pageNumber"></span>/<span class="totalPages"></span></div>`
	return page.PrintToPDF().
		WithPrintBackground(true).
		WithDisplayHeaderFooter(true).
		WithHeaderTemplate(header).
		WithFooterTemplate(footer).
		WithPaperWidth(r.paper.Width).
		WithPaperHeight(r.paper.Height).
		WithMarginTop(0.6).
		WithMarginBottom(0.7).
		WithMarginLeft(0.45).
		WithMarginRight(0.45)
}

func detectChromePath() string {
	if p := os.Getenv("CHROME_PATH"); p != "" {
		return p
	}
	for _, p := range []string{
		"/usr/bin/chromium",
		"/usr/bin/chromium-browser",
		"/usr/bin/google-chrome",
		"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
	} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
