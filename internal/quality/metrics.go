package quality

import (
	"image"
	"math"
	"sort"

	"golang.org/x/image/draw"
)

// Metrics are the raw measurements the gate scores.
type Metrics struct {
	Width        int     `json:"width"`
	Height       int     `json:"height"`
	Blur         float64 `json:"blur_score"`
	TextClarity  float64 `json:"text_clarity"`
	Contrast     float64 `json:"contrast"`
	Brightness   float64 `json:"brightness"`
	TextDensity  float64 `json:"text_density"`
	EdgeDensity  float64 `json:"edge_density"`
	Skew         float64 `json:"skew_angle"`
	Noise        float64 `json:"noise_level"`
	UniformRatio float64 `json:"uniform_ratio"`
}

func (m Metrics) MinDimension() int {
	return min(m.Width, m.Height)
}

func (m Metrics) Map() map[string]float64 {
	return map[string]float64{
		"width":         float64(m.Width),
		"height":        float64(m.Height),
		"min_dimension": float64(m.MinDimension()),
		"blur_score":    m.Blur,
		"text_clarity":  m.TextClarity,
		"contrast":      m.Contrast,
		"brightness":    m.Brightness,
		"text_density":  m.TextDensity,
		"edge_density":  m.EdgeDensity,
		"skew_angle":    m.Skew,
		"noise_level":   m.Noise,
		"uniform_ratio": m.UniformRatio,
	}
}

const skewAnalysisDim = 600

// grayPlane is a row-major 8-bit luminance image held as float64.
type grayPlane struct {
	w, h int
	px   []float64
}

func (g *grayPlane) at(x, y int) float64 { return g.px[y*g.w+x] }

// Measure computes every metric. Images larger than maxDim on their long
// edge are downsampled first; Width and Height always report the source size.
func Measure(img image.Image, maxDim int) Metrics {
	b := img.Bounds()
	m := Metrics{Width: b.Dx(), Height: b.Dy()}
	if m.Width == 0 || m.Height == 0 {
		return m
	}
	g := toGray(fit(img, maxDim))

	m.Brightness, m.Contrast = meanStd(g.px)
	m.Blur = blurScore(g)

	gx, gy, mag := gradients(g)
	m.TextClarity = textClarity(gx, gy, mag)
	m.TextDensity, m.EdgeDensity, m.UniformRatio = edgeStats(gx, gy, mag)
	m.Noise = noiseLevel(g)
	m.Skew = skewAngle(toGray(fit(img, skewAnalysisDim)))
	return m
}

func fit(img image.Image, maxDim int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if maxDim <= 0 || max(w, h) <= maxDim {
		return img
	}
	scale := float64(maxDim) / float64(max(w, h))
	nw, nh := max(1, int(float64(w)*scale)), max(1, int(float64(h)*scale))
	dst := image.NewGray(image.Rect(0, 0, nw, nh))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// toGray uses the ITU-R 601 weights of color.GrayModel and composites
// transparent pixels onto white.
func toGray(img image.Image) *grayPlane {
	b := img.Bounds()
	g := &grayPlane{w: b.Dx(), h: b.Dy(), px: make([]float64, b.Dx()*b.Dy())}
	if src, ok := img.(*image.Gray); ok {
		for y := 0; y < g.h; y++ {
			off := src.PixOffset(b.Min.X, b.Min.Y+y)
			row := src.Pix[off : off+g.w]
			for x, v := range row {
				g.px[y*g.w+x] = float64(v)
			}
		}
		return g
	}
	for y := 0; y < g.h; y++ {
		for x := 0; x < g.w; x++ {
			r, gr, bl, a := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			bg := 0xffff - a
			r, gr, bl = r+bg, gr+bg, bl+bg
			lum := (19595*r + 38470*gr + 7471*bl + 1<<15) >> 24
			g.px[y*g.w+x] = float64(lum)
		}
	}
	return g
}

func meanStd(v []float64) (float64, float64) {
	if len(v) == 0 {
		return 0, 0
	}
	var sum, sq float64
	for _, x := range v {
		sum += x
		sq += x * x
	}
	n := float64(len(v))
	mean := sum / n
	variance := sq/n - mean*mean
	if variance < 0 {
		variance = 0
	}
	return mean, math.Sqrt(variance)
}

func laplacianVariance(g *grayPlane) float64 {
	if g.w < 3 || g.h < 3 {
		return 0
	}
	vals := make([]float64, 0, (g.w-2)*(g.h-2))
	for y := 1; y < g.h-1; y++ {
		for x := 1; x < g.w-1; x++ {
			l := g.at(x, y-1) + g.at(x, y+1) + g.at(x-1, y) + g.at(x+1, y) - 4*g.at(x, y)
			vals = append(vals, l)
		}
	}
	_, std := meanStd(vals)
	return std * std
}

// blurScore penalizes images whose 2x-decimated copy is as flat as the
// original, which means the source was blurry rather than merely small.
func blurScore(g *grayPlane) float64 {
	v := laplacianVariance(g)
	if g.w <= 200 || g.h <= 200 {
		return v
	}
	half := &grayPlane{w: (g.w + 1) / 2, h: (g.h + 1) / 2}
	half.px = make([]float64, half.w*half.h)
	for y := 0; y < half.h; y++ {
		for x := 0; x < half.w; x++ {
			half.px[y*half.w+x] = g.at(2*x, 2*y)
		}
	}
	vd := laplacianVariance(half)
	ratio := 1.0
	if v > 0 {
		ratio = vd / v
	}
	if ratio > 0.5 && v < 150 {
		v *= 0.7
	}
	return v
}

// gradients uses central differences inside and one-sided differences on
// the border.
func gradients(g *grayPlane) (gx, gy, mag []float64) {
	n := g.w * g.h
	gx, gy, mag = make([]float64, n), make([]float64, n), make([]float64, n)
	for y := 0; y < g.h; y++ {
		for x := 0; x < g.w; x++ {
			i := y*g.w + x
			gx[i] = diff(g, x, y, 1, 0)
			gy[i] = diff(g, x, y, 0, 1)
			mag[i] = math.Hypot(gx[i], gy[i])
		}
	}
	return gx, gy, mag
}

func diff(g *grayPlane, x, y, dx, dy int) float64 {
	limit := g.w
	pos := x
	if dy != 0 {
		limit, pos = g.h, y
	}
	if limit < 2 {
		return 0
	}
	switch pos {
	case 0:
		return g.at(x+dx, y+dy) - g.at(x, y)
	case limit - 1:
		return g.at(x, y) - g.at(x-dx, y-dy)
	default:
		return (g.at(x+dx, y+dy) - g.at(x-dx, y-dy)) / 2
	}
}

// textClarity combines gradient direction coherence with edge-strength
// consistency over the strongest 30% of gradients.
func textClarity(gx, gy, mag []float64) float64 {
	if len(mag) == 0 {
		return 0.5
	}
	threshold := percentile(mag, 70)
	var angleSum float64
	var sig []float64
	for i, m := range mag {
		if m <= threshold {
			continue
		}
		a := math.Atan2(gy[i], gx[i])
		angleSum += math.Abs(floorMod(a, math.Pi/2))
		sig = append(sig, m)
	}
	if len(sig) == 0 {
		return 0.5
	}
	coherence := 1 - (angleSum/float64(len(sig)))/(math.Pi/4)
	mean, std := meanStd(sig)
	consistency := math.Max(0, 1-(std/(mean+1e-6))/2)
	return clamp01(0.6*coherence + 0.4*consistency)
}

func edgeStats(gx, gy, mag []float64) (textDensity, edgeDensity, uniform float64) {
	if len(mag) == 0 {
		return 0, 0, 0
	}
	mean, std := meanStd(mag)
	threshold := mean + std
	var text, edges, flat int
	for i, m := range mag {
		if m > threshold {
			text++
		}
		if m > 30 {
			edges++
		}
		if gx[i]*gx[i]+gy[i]*gy[i] < 5 {
			flat++
		}
	}
	n := float64(len(mag))
	return float64(text) / n, float64(edges) / n, float64(flat) / n
}

// noiseLevel averages the lowest decile of 3x3 local variances. Text has
// high local variance, so the quiet decile reflects background grain.
func noiseLevel(g *grayPlane) float64 {
	if g.w < 3 || g.h < 3 {
		return 0
	}
	vars := make([]float64, 0, (g.w-2)*(g.h-2))
	for y := 1; y < g.h-1; y++ {
		for x := 1; x < g.w-1; x++ {
			var s, sq float64
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					v := g.at(x+dx, y+dy)
					s += v
					sq += v * v
				}
			}
			mean := s / 9
			vars = append(vars, math.Max(0, sq/9-mean*mean))
		}
	}
	sort.Float64s(vars)
	k := len(vars) / 10
	if k == 0 {
		k = len(vars)
	}
	var sum float64
	for _, v := range vars[:k] {
		sum += v
	}
	return math.Min(1, sum/float64(k)/100)
}

// skewAngle tries rotations from -15 to 15 degrees and returns the one whose
// row projection of dark pixels has the highest variance.
func skewAngle(g *grayPlane) float64 {
	if g.w < 2 || g.h < 2 {
		return 0
	}
	mean, _ := meanStd(g.px)
	type pt struct{ x, y float64 }
	var fg []pt
	cx, cy := float64(g.w-1)/2, float64(g.h-1)/2
	for y := 0; y < g.h; y++ {
		for x := 0; x < g.w; x++ {
			if g.at(x, y) < mean {
				fg = append(fg, pt{float64(x) - cx, float64(y) - cy})
			}
		}
	}
	if len(fg) == 0 {
		return 0
	}
	rows := make([]float64, g.h)
	best, bestVar := 0.0, 0.0
	for step := 0; step < 60; step++ {
		angle := -15 + 0.5*float64(step)
		rad := angle * math.Pi / 180
		sin, cos := math.Sin(rad), math.Cos(rad)
		for i := range rows {
			rows[i] = 0
		}
		for _, p := range fg {
			xr := p.x*cos - p.y*sin + cx
			yr := p.x*sin + p.y*cos + cy
			xi, yi := int(math.Round(xr)), int(math.Round(yr))
			if xi < 0 || xi >= g.w || yi < 0 || yi >= g.h {
				continue
			}
			rows[yi]++
		}
		_, std := meanStd(rows)
		if v := std * std; v > bestVar {
			best, bestVar = angle, v
		}
	}
	return best
}

// percentile uses linear interpolation between closest ranks.
func percentile(v []float64, p float64) float64 {
	s := append([]float64(nil), v...)
	sort.Float64s(s)
	if len(s) == 1 {
		return s[0]
	}
	pos := p / 100 * float64(len(s)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	frac := pos - float64(lo)
	return s[lo] + (s[hi]-s[lo])*frac
}

func floorMod(a, m float64) float64 {
	r := math.Mod(a, m)
	if r < 0 {
		r += m
	}
	return r
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
