package report

import (
	_ "embed"
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/joelkehle/labextract/internal/extract"
)

//go:embed style.css
var styleCSS string

var (
	highCellRe   = regexp.MustCompile(`<td><strong>H</strong></td>`)
	lowCellRe    = regexp.MustCompile(`<td><strong>L</strong></td>`)
	reviewRowRe  = regexp.MustCompile(`<tr>(\s*<td>[^<]*⚠</td>)`)
	markdownConv = goldmark.New(goldmark.WithExtensions(extension.GFM))
)

// RenderHTML converts Markdown to an HTML fragment.
func RenderHTML(markdown string) (string, error) {
	var out strings.Builder
	if err := markdownConv.Convert([]byte(markdown), &out); err != nil {
		return "", fmt.Errorf("markdown convert: %w", err)
	}
	return applyTableHooks(out.String()), nil
}

// HTMLDocument is a standalone page for the record, styled for print.
func HTMLDocument(rec extract.NormalizedRecord) (string, error) {
	body, err := RenderHTML(Markdown(rec))
	if err != nil {
		return "", err
	}
	title := html.EscapeString("Lab Report " + rec.DocumentID)
	return "<!doctype html><html><head><meta charset='utf-8'><title>" + title + "</title>" +
		"<style>" + styleCSS + "\n" +
		"html,body,*{-webkit-print-color-adjust:exact !important;print-color-adjust:exact !important;} " +
		"@media print{ @page{size:auto;margin:12mm;} body{padding:0;} }" +
		"</style></head><body><main class='report'>" + body + "</main></body></html>", nil
}

// applyTableHooks tags flagged cells and rows needing review so the
// stylesheet can colour them.
func applyTableHooks(fragment string) string {
	out := highCellRe.ReplaceAllString(fragment, `<td class="flag-high"><strong>H</strong></td>`)
	out = lowCellRe.ReplaceAllString(out, `<td class="flag-low"><strong>L</strong></td>`)
	return reviewRowRe.ReplaceAllString(out, `<tr class="needs-review">$1`)
}
