package normalize

import "strings"

const (
	PanelCBC          = "cbc"
	PanelDifferential = "differential"
	PanelABG          = "abg"
	PanelElectrolytes = "electrolytes"
	PanelLiver        = "liver"
	PanelKidney       = "kidney"
	PanelLipid        = "lipid"
	PanelThyroid      = "thyroid"
	PanelDiabetes     = "diabetes"
	PanelCoagulation  = "coagulation"
)

// panelOrder breaks ties between panels that score equally.
var panelOrder = []string{
	PanelCBC, PanelDifferential, PanelCoagulation, PanelABG, PanelElectrolytes,
	PanelLiver, PanelKidney, PanelLipid, PanelThyroid, PanelDiabetes,
}

// panelMembers lists vocabulary keys eligible for fuzzy and LLM matching
// once a panel is detected.
var panelMembers = map[string][]string{
	PanelCBC: {
		"hemoglobin", "red_blood_cells", "white_blood_cells", "platelets",
		"hematocrit", "mcv", "mch", "mchc", "rdw", "mpv", "ipf",
	},
	PanelDifferential: {
		"neutrophils", "lymphocytes", "monocytes", "eosinophils", "basophils", "esr",
		"absolute_neutrophils", "absolute_lymphocytes", "absolute_monocytes",
		"absolute_eosinophils", "absolute_basophils",
		"neutrophil_lymphocyte_ratio", "platelet_lymphocyte_ratio",
	},
	PanelABG: {
		"ph", "pco2", "po2", "hco3_abg", "base_excess", "oxygen_saturation", "lactate", "ionized_calcium",
	},
	PanelElectrolytes: {
		"sodium", "potassium", "chloride", "bicarbonate", "calcium", "phosphorus", "magnesium",
	},
	PanelLiver: {
		"alt", "ast", "alp", "ggt", "total_bilirubin", "direct_bilirubin", "indirect_bilirubin",
		"total_protein", "albumin", "globulin", "ag_ratio",
	},
	PanelKidney: {
		"creatinine", "blood_urea_nitrogen", "urea", "uric_acid", "egfr",
	},
	PanelLipid: {
		"total_cholesterol", "ldl_cholesterol", "hdl_cholesterol", "triglycerides", "vldl",
	},
	PanelThyroid: {
		"tsh", "free_t3", "free_t4", "total_t3", "total_t4",
	},
	PanelDiabetes: {
		"fasting_glucose", "random_glucose", "postprandial_glucose", "hba1c",
	},
	PanelCoagulation: {
		"prothrombin_time", "inr", "aptt",
	},
}

// "ph" is deliberately absent: it collides with too many words.
var panelKeywords = map[string][]string{
	PanelCBC:          {"hemoglobin", "haemoglobin", "hb", "hgb", "rbc", "wbc", "platelet", "plt", "pcv", "hct", "mcv", "mch", "mchc", "rdw", "mpv"},
	PanelDifferential: {"neutrophil", "lymphocyte", "monocyte", "eosinophil", "basophil", "neut", "lymph", "mono", "eos", "baso", "differential", "absolute"},
	PanelABG:          {"pco2", "po2", "hco3", "base excess", "sao2", "blood gas", "abg"},
	PanelElectrolytes: {"sodium", "potassium", "chloride", "calcium", "magnesium", "na+", "k+", "cl", "electrolyte"},
	PanelLiver:        {"alt", "ast", "sgpt", "sgot", "bilirubin", "alp", "ggt", "albumin", "liver"},
	PanelKidney:       {"creatinine", "urea", "bun", "egfr", "uric acid", "kidney", "renal"},
	PanelLipid:        {"cholesterol", "triglyceride", "hdl", "ldl", "vldl", "lipid"},
	PanelThyroid:      {"tsh", "t3", "t4", "thyroid"},
	PanelDiabetes:     {"glucose", "hba1c", "sugar", "fasting", "random", "glycated"},
	PanelCoagulation:  {"pt", "inr", "aptt", "ptt", "prothrombin", "thromboplastin", "coagulation"},
}

// DetectPanel scores each panel by keyword hits on whole tokens. A token
// equal to a keyword scores 2; a token starting with a keyword of at least
// four characters scores 1 so plurals still count. Short keywords never
// match by prefix.
func DetectPanel(text string) string {
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return ""
	}
	joined := " " + strings.Join(tokens, " ") + " "
	best, bestScore := "", 0
	for _, panel := range panelOrder {
		score := 0
		for _, kw := range panelKeywords[panel] {
			if strings.Contains(kw, " ") {
				if strings.Contains(joined, " "+kw+" ") {
					score += 2
				}
				continue
			}
			for _, tok := range tokens {
				switch {
				case tok == kw:
					score += 2
				case len(kw) >= 4 && strings.HasPrefix(tok, kw):
					score++
				}
			}
		}
		if score > bestScore {
			best, bestScore = panel, score
		}
	}
	return best
}

// tokenize lower-cases and splits on anything that is not a letter, digit,
// or an ion sign.
func tokenize(s string) []string {
	s = strings.ToLower(s)
	return strings.FieldsFunc(s, func(r rune) bool {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '+':
			return false
		case r > 127:
			return false
		default:
			return true
		}
	})
}
