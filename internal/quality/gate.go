// Package quality decides whether a lab-report photo is legible enough to
// send to the vision model.
package quality

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"os"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const (
	HintDeskew   = "deskew"
	HintDenoise  = "denoise"
	HintContrast = "contrast"
	HintUpscale  = "upscale"
	HintSharpen  = "sharpen"
)

// Assessment is the gate's verdict for one image.
type Assessment struct {
	Acceptable     bool               `json:"is_acceptable"`
	Score          float64            `json:"quality_score"`
	Issues         []string           `json:"issues"`
	Metrics        map[string]float64 `json:"metrics"`
	Recommendation string             `json:"recommendation"`
	Preprocessing  []string           `json:"preprocessing,omitempty"`
}

type Gate struct {
	t Thresholds
}

func NewGate(t Thresholds) *Gate {
	return &Gate{t: t.withDefaults()}
}

func (g *Gate) Thresholds() Thresholds { return g.t }

func (g *Gate) AssessFile(path string) (Assessment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Assessment{}, fmt.Errorf("read image: %w", err)
	}
	return g.AssessBytes(data)
}

func (g *Gate) AssessBytes(data []byte) (Assessment, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Assessment{}, fmt.Errorf("decode image: %w", err)
	}
	return g.Assess(img), nil
}

func (g *Gate) Assess(img image.Image) Assessment {
	return g.Evaluate(Measure(img, g.t.MaxAnalysisDim))
}

// Evaluate scores pre-computed metrics. Each issue costs a fixed penalty,
// strong measurements earn small bonuses, and a few metric combinations
// reject the image outright regardless of score.
func (g *Gate) Evaluate(m Metrics) Assessment {
	t := g.t
	var issues []string
	hints := map[string]bool{}

	if m.MinDimension() < t.MinResolution {
		issues = append(issues, fmt.Sprintf("Low resolution: %dx%d (min: %d)", m.Width, m.Height, t.MinResolution))
		hints[HintUpscale] = true
	}
	if m.Blur < t.Blur {
		severity := "slightly blurry"
		switch {
		case m.Blur < t.BlurCritical:
			severity = "extremely blurry"
		case m.Blur < t.BlurVery:
			severity = "very blurry"
		}
		issues = append(issues, fmt.Sprintf("Image is %s (score: %.1f, min: %.0f)", severity, m.Blur, t.Blur))
		hints[HintSharpen] = true
	}
	switch {
	case m.TextClarity < t.ClarityVeryLow:
		issues = append(issues, fmt.Sprintf("Very low text clarity: %.2f - text may be unreadable", m.TextClarity))
		hints[HintSharpen] = true
	case m.TextClarity < t.ClarityLow:
		issues = append(issues, fmt.Sprintf("Low text clarity: %.2f - OCR accuracy may be affected", m.TextClarity))
	}
	if m.Contrast < t.ContrastMin {
		issues = append(issues, fmt.Sprintf("Low contrast: %.1f (min: %.0f)", m.Contrast, t.ContrastMin))
		hints[HintContrast] = true
	} else if m.Contrast > t.ContrastMax {
		issues = append(issues, fmt.Sprintf("Over-processed/high contrast: %.1f - may indicate noise or artifacts", m.Contrast))
		hints[HintDenoise] = true
	}
	if m.Brightness < t.BrightnessMin {
		issues = append(issues, "Image is too dark")
		hints[HintContrast] = true
	} else if m.Brightness > t.BrightnessMax {
		issues = append(issues, "Image is washed out")
		hints[HintContrast] = true
	}
	if m.TextDensity < t.TextDensityMin {
		issues = append(issues, fmt.Sprintf("Low text density: %.3f - may be partial document", m.TextDensity))
	}
	if math.Abs(m.Skew) > t.SkewMax {
		issues = append(issues, fmt.Sprintf("Document is skewed: %.1f° (max: %.0f°)", m.Skew, t.SkewMax))
		hints[HintDeskew] = true
	}
	if m.Noise > t.NoiseMax {
		issues = append(issues, fmt.Sprintf("High noise level: %.3f", m.Noise))
		hints[HintDenoise] = true
	}
	if m.UniformRatio > t.UniformMax {
		issues = append(issues, "Large uniform regions detected - possible scanning issue")
	}

	score := g.score(m, issues)
	acceptable := score >= t.AcceptScore && m.TextClarity >= t.AcceptClarity

	reject := func(msg string) {
		acceptable = false
		issues = append([]string{msg}, issues...)
	}
	if m.Blur < t.BlurCritical {
		reject(fmt.Sprintf("CRITICAL: Image too blurry to read (blur=%.1f, min=%.0f)", m.Blur, t.BlurCritical))
	} else if m.Blur < t.Blur && m.TextClarity < t.BlurClarity {
		reject("CRITICAL: Blurry image with poor text clarity")
	}
	if m.Contrast > t.NoisyContrast && m.TextClarity < t.NoisyClarity {
		reject(fmt.Sprintf("CRITICAL: Noisy scan detected (contrast=%.1f, clarity=%.2f)", m.Contrast, m.TextClarity))
		hints[HintDenoise] = true
	}
	if m.TextClarity < t.ClarityFloor {
		reject("CRITICAL: Text is unreadable")
	}

	if issues == nil {
		issues = []string{}
	}
	return Assessment{
		Acceptable:     acceptable,
		Score:          math.Round(score*1000) / 1000,
		Issues:         issues,
		Metrics:        m.Map(),
		Recommendation: recommendation(acceptable, score),
		Preprocessing:  sortedHints(hints),
	}
}

func (g *Gate) score(m Metrics, issues []string) float64 {
	t := g.t
	score := 1.0
	for _, issue := range issues {
		score -= issuePenalty(issue)
	}
	if m.TextClarity < t.ClarityVeryLow {
		score -= 0.2 * (t.ClarityVeryLow - m.TextClarity)
	}

	if m.MinDimension() >= 1200 {
		score += 0.1
	}
	if m.Blur >= 300 {
		score += 0.05
	}
	if m.Contrast >= 50 && m.Contrast <= 80 {
		score += 0.1
	}
	if m.Brightness >= 100 && m.Brightness <= 180 {
		score += 0.05
	}
	if math.Abs(m.Skew) < 1 {
		score += 0.05
	}
	if m.TextClarity >= 0.7 {
		score += 0.1
	}
	return clamp01(score)
}

func issuePenalty(issue string) float64 {
	s := strings.ToLower(issue)
	switch {
	case strings.Contains(s, "very low text clarity"), strings.Contains(s, "unreadable"):
		return 0.35
	case strings.Contains(s, "very"), strings.Contains(s, "too dark"), strings.Contains(s, "washed out"):
		return 0.25
	case strings.Contains(s, "blurry"), strings.Contains(s, "skewed"), strings.Contains(s, "noise"):
		return 0.20
	case strings.Contains(s, "low text clarity"), strings.Contains(s, "over-processed"):
		return 0.20
	case strings.Contains(s, "low"):
		return 0.15
	default:
		return 0.10
	}
}

func recommendation(acceptable bool, score float64) string {
	switch {
	case !acceptable:
		return "Poor quality - text unreadable, consider re-scanning"
	case score >= 0.8:
		return "Excellent quality document"
	case score >= 0.6:
		return "Good quality, minor issues detected"
	case score >= 0.4:
		return "Acceptable quality, some values may need review"
	case score >= 0.3:
		return "Low quality - extraction attempted but manual review required"
	default:
		return "Poor quality - may fail extraction, consider re-scanning"
	}
}

func sortedHints(h map[string]bool) []string {
	var out []string
	for _, name := range []string{HintDeskew, HintDenoise, HintContrast, HintUpscale, HintSharpen} {
		if h[name] {
			out = append(out, name)
		}
	}
	return out
}
