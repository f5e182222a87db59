package prediction

import "math"

const (
	baseProbability      = 0.30
	maxProbability       = 0.95
	preDiabeticThreshold = 0.40
	diabeticThreshold    = 0.70
)

// Factor is a threshold that fired while scoring, with the weight it added.
type Factor struct {
	Code   string  `json:"code"`
	Weight float64 `json:"weight"`
}

type scoringRule struct {
	code   string
	weight float64
	hit    func(in PatientRiskInput) bool
}

// Each attribute has two tiers that are checked independently: a patient
// over 60 collects both the age>40 and the age>60 weight. The additions run
// in this order so the float64 sum is reproducible.
var scoringRules = []scoringRule{
	{"age>40", 0.10, func(in PatientRiskInput) bool { return in.Age != nil && *in.Age > 40 }},
	{"age>60", 0.10, func(in PatientRiskInput) bool { return in.Age != nil && *in.Age > 60 }},
	{"bmi>25", 0.10, func(in PatientRiskInput) bool { return in.BMI != nil && *in.BMI > 25 }},
	{"bmi>30", 0.10, func(in PatientRiskInput) bool { return in.BMI != nil && *in.BMI > 30 }},
	{"glucose>100", 0.10, func(in PatientRiskInput) bool { return in.GlucoseLevel != nil && *in.GlucoseLevel > 100 }},
	{"glucose>125", 0.20, func(in PatientRiskInput) bool { return in.GlucoseLevel != nil && *in.GlucoseLevel > 125 }},
	{"family-history", 0.10, func(in PatientRiskInput) bool { return in.FamilyHistory != nil && *in.FamilyHistory }},
}

// Score is the rule-based stand-in for the ML service. It is deterministic
// and never fails; the returned probability lies in [0.30, 0.95].
func Score(in PatientRiskInput) PredictionOutcome {
	outcome, _ := ScoreDetailed(in)
	return outcome
}

// ScoreDetailed is Score plus the list of thresholds that contributed.
func ScoreDetailed(in PatientRiskInput) (PredictionOutcome, []Factor) {
	probability := baseProbability
	factors := []Factor{}
	for _, r := range scoringRules {
		if r.hit(in) {
			probability += r.weight
			factors = append(factors, Factor{Code: r.code, Weight: r.weight})
		}
	}
	// Clamp once, after every addition.
	probability = math.Min(probability, maxProbability)

	return PredictionOutcome{
		Prediction:  Categorize(probability),
		Probability: probability,
	}, factors
}

// Categorize maps a score to its category. Bounds are inclusive on the low
// side: exactly 0.40 is pre-diabetic and exactly 0.70 is diabetic.
func Categorize(probability float64) Category {
	switch {
	case probability < preDiabeticThreshold:
		return CategoryNonDiabetic
	case probability < diabeticThreshold:
		return CategoryPreDiabetic
	default:
		return CategoryDiabetic
	}
}
