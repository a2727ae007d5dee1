package quality

// Thresholds holds the empirically tuned constants behind the gate. They
// are configuration, not derived values.
type Thresholds struct {
	MinResolution  int     `yaml:"min_resolution"`
	Blur           float64 `yaml:"blur_score"`
	BlurCritical   float64 `yaml:"blur_score_critical"`
	BlurVery       float64 `yaml:"blur_score_very"`
	ContrastMin    float64 `yaml:"contrast_min"`
	ContrastMax    float64 `yaml:"contrast_max"`
	BrightnessMin  float64 `yaml:"brightness_min"`
	BrightnessMax  float64 `yaml:"brightness_max"`
	TextDensityMin float64 `yaml:"text_density_min"`
	SkewMax        float64 `yaml:"skew_angle_max"`
	NoiseMax       float64 `yaml:"noise_threshold"`
	UniformMax     float64 `yaml:"uniform_ratio_max"`
	ClarityLow     float64 `yaml:"clarity_low"`
	ClarityVeryLow float64 `yaml:"clarity_very_low"`

	AcceptScore   float64 `yaml:"accept_score"`
	AcceptClarity float64 `yaml:"accept_clarity"`
	BlurClarity   float64 `yaml:"blur_clarity"`
	NoisyContrast float64 `yaml:"noisy_contrast"`
	NoisyClarity  float64 `yaml:"noisy_clarity"`
	ClarityFloor  float64 `yaml:"clarity_floor"`

	MaxAnalysisDim int `yaml:"max_analysis_dim"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		MinResolution:  400,
		Blur:           50,
		BlurCritical:   25,
		BlurVery:       80,
		ContrastMin:    35,
		ContrastMax:    90,
		BrightnessMin:  50,
		BrightnessMax:  220,
		TextDensityMin: 0.03,
		SkewMax:        5.0,
		NoiseMax:       0.15,
		UniformMax:     0.5,
		ClarityLow:     0.55,
		ClarityVeryLow: 0.4,

		AcceptScore:   0.3,
		AcceptClarity: 0.20,
		BlurClarity:   0.5,
		NoisyContrast: 85,
		NoisyClarity:  0.45,
		ClarityFloor:  0.25,

		MaxAnalysisDim: 2000,
	}
}

// withDefaults fills zero fields so partially specified config files work.
func (t Thresholds) withDefaults() Thresholds {
	d := DefaultThresholds()
	setInt := func(v *int, def int) {
		if *v <= 0 {
			*v = def
		}
	}
	setFloat := func(v *float64, def float64) {
		if *v <= 0 {
			*v = def
		}
	}
	setInt(&t.MinResolution, d.MinResolution)
	setInt(&t.MaxAnalysisDim, d.MaxAnalysisDim)
	setFloat(&t.Blur, d.Blur)
	setFloat(&t.BlurCritical, d.BlurCritical)
	setFloat(&t.BlurVery, d.BlurVery)
	setFloat(&t.ContrastMin, d.ContrastMin)
	setFloat(&t.ContrastMax, d.ContrastMax)
	setFloat(&t.BrightnessMin, d.BrightnessMin)
	setFloat(&t.BrightnessMax, d.BrightnessMax)
	setFloat(&t.TextDensityMin, d.TextDensityMin)
	setFloat(&t.SkewMax, d.SkewMax)
	setFloat(&t.NoiseMax, d.NoiseMax)
	setFloat(&t.UniformMax, d.UniformMax)
	setFloat(&t.ClarityLow, d.ClarityLow)
	setFloat(&t.ClarityVeryLow, d.ClarityVeryLow)
	setFloat(&t.AcceptScore, d.AcceptScore)
	setFloat(&t.AcceptClarity, d.AcceptClarity)
	setFloat(&t.BlurClarity, d.BlurClarity)
	setFloat(&t.NoisyContrast, d.NoisyContrast)
	setFloat(&t.NoisyClarity, d.NoisyClarity)
	setFloat(&t.ClarityFloor, d.ClarityFloor)
	return t
}
