package prediction

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Category is the coarse diabetes-risk class produced by a prediction.
type Category string

const (
	CategoryNonDiabetic Category = "non-diabetic"
	CategoryPreDiabetic Category = "pre-diabetic"
	CategoryDiabetic    Category = "diabetic"
)

// Valid reports whether c is one of the three known categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryNonDiabetic, CategoryPreDiabetic, CategoryDiabetic:
		return true
	}
	return false
}

// QualitativeRisk maps the category to the FHIR RiskAssessment
// qualitativeRisk vocabulary (low, moderate, high).
func (c Category) QualitativeRisk() string {
	switch c {
	case CategoryDiabetic:
		return "high"
	case CategoryPreDiabetic:
		return "moderate"
	default:
		return "low"
	}
}

// PatientRiskInput holds the four attributes the rule-based scorer reads.
// A nil field means the value was absent from the request; absent values
// never exceed a threshold.
type PatientRiskInput struct {
	Age           *int     `json:"age,omitempty"`
	BMI           *float64 `json:"bmi,omitempty"`
	GlucoseLevel  *float64 `json:"glucoseLevel,omitempty"`
	FamilyHistory *bool    `json:"familyHistory,omitempty"`
}

// UnmarshalJSON reads the four fields by their exact keys. encoding/json
// would otherwise match "Age" or "GLUCOSELEVEL" case-insensitively, and
// those are extra fields the scorer must ignore.
func (in *PatientRiskInput) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	return in.fromRaw(raw)
}

func (in *PatientRiskInput) fromRaw(raw map[string]json.RawMessage) error {
	var out PatientRiskInput
	if err := decodeField(raw, "age", &out.Age); err != nil {
		return err
	}
	if err := decodeField(raw, "bmi", &out.BMI); err != nil {
		return err
	}
	if err := decodeField(raw, "glucoseLevel", &out.GlucoseLevel); err != nil {
		return err
	}
	if err := decodeField(raw, "familyHistory", &out.FamilyHistory); err != nil {
		return err
	}
	*in = out
	return nil
}

// decodeField sets *dst from raw[key]. A missing key or JSON null leaves
// *dst nil.
func decodeField[T any](raw map[string]json.RawMessage, key string, dst **T) error {
	v, ok := raw[key]
	if !ok {
		return nil
	}
	var p *T
	if err := json.Unmarshal(v, &p); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = p
	return nil
}

// Validate rejects values outside the physiological domain. Missing fields
// are accepted.
func (in PatientRiskInput) Validate() error {
	if in.Age != nil && (*in.Age < 0 || *in.Age > 150) {
		return fmt.Errorf("age must be between 0 and 150, got %d", *in.Age)
	}
	if in.BMI != nil && *in.BMI < 0 {
		return fmt.Errorf("bmi must not be negative, got %g", *in.BMI)
	}
	if in.GlucoseLevel != nil && *in.GlucoseLevel < 0 {
		return fmt.Errorf("glucoseLevel must not be negative, got %g", *in.GlucoseLevel)
	}
	return nil
}

// PredictionOutcome is a category plus the accumulated risk score. The
// probability is a heuristic score, not a calibrated statistical probability.
type PredictionOutcome struct {
	Prediction  Category `json:"prediction"`
	Probability float64  `json:"probability"`
}

// PatientData is the full prediction payload: the scorer fields plus every
// other field the caller sent (blood pressure, insulin, ...), which are
// forwarded untouched to the ML service.
type PatientData struct {
	Risk      PatientRiskInput
	PatientID *uuid.UUID
	raw       map[string]json.RawMessage
}

// NewPatientData builds a payload that carries only the scorer fields.
func NewPatientData(in PatientRiskInput) PatientData {
	return PatientData{Risk: in}
}

func (d *PatientData) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	var risk PatientRiskInput
	if err := risk.fromRaw(raw); err != nil {
		return err
	}
	d.Risk = risk
	d.raw = raw
	d.PatientID = nil

	if v, ok := raw["patient_id"]; ok && string(v) != "null" {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return fmt.Errorf("patient_id: %w", err)
		}
		id, err := uuid.Parse(s)
		if err != nil {
			return fmt.Errorf("patient_id: %w", err)
		}
		d.PatientID = &id
	}
	return nil
}

// MarshalJSON emits the original payload with the scorer fields taken from
// Risk, so edits to Risk are reflected on the wire.
func (d PatientData) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(d.raw)+4)
	for k, v := range d.raw {
		out[k] = v
	}
	for _, k := range []string{"age", "bmi", "glucoseLevel", "familyHistory"} {
		delete(out, k)
	}
	fields, err := json.Marshal(d.Risk)
	if err != nil {
		return nil, err
	}
	var known map[string]json.RawMessage
	if err := json.Unmarshal(fields, &known); err != nil {
		return nil, err
	}
	for k, v := range known {
		out[k] = v
	}
	if d.PatientID != nil {
		out["patient_id"], _ = json.Marshal(d.PatientID.String())
	}
	return json.Marshal(out)
}

// Status discriminates the three ways a prediction request can end.
type Status string

const (
	StatusOK          Status = "ok"
	StatusFallback    Status = "fallback"
	StatusUnavailable Status = "unavailable"
)

// Source names which predictor produced the outcome.
type Source string

const (
	SourceRemote    Source = "remote"
	SourceRuleBased Source = "rule-based"
)

// Result is the outcome of a Predict call. Outcome is nil only when Status
// is StatusUnavailable; Reason and Error are set whenever the ML service
// call failed.
type Result struct {
	Status       Status             `json:"status"`
	Outcome      *PredictionOutcome `json:"outcome,omitempty"`
	Source       Source             `json:"source,omitempty"`
	Reason       FailureReason      `json:"reason,omitempty"`
	Error        string             `json:"error,omitempty"`
	AssessmentID *uuid.UUID         `json:"assessment_id,omitempty"`
}

// Available reports whether the result carries a prediction.
func (r Result) Available() bool {
	return r.Outcome != nil
}
