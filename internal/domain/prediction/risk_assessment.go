package prediction

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/riskpredict/internal/platform/fhir"
)

const (
	methodSystem = "http://riskpredict.local/fhir/CodeSystem/risk-method"
	codeSystem   = "http://riskpredict.local/fhir/CodeSystem/risk-code"

	MethodRemoteML  = "remote-ml"
	MethodRuleBased = "rule-based"

	riskCodeDiabetes    = "diabetes-risk"
	riskCodeDisplay     = "Type 2 diabetes risk"
	riskAssessmentFinal = "final"
)

// RiskAssessment is a stored prediction, shaped after the FHIR
// RiskAssessment resource.
type RiskAssessment struct {
	ID                    uuid.UUID       `db:"id" json:"id"`
	FHIRID                string          `db:"fhir_id" json:"fhir_id"`
	Status                string          `db:"status" json:"status"`
	MethodCode            string          `db:"method_code" json:"method_code"`
	MethodDisplay         string          `db:"method_display" json:"method_display"`
	CodeCode              string          `db:"code_code" json:"code_code"`
	CodeDisplay           string          `db:"code_display" json:"code_display"`
	SubjectPatientID      uuid.UUID       `db:"subject_patient_id" json:"subject_patient_id"`
	OccurrenceDate        time.Time       `db:"occurrence_date" json:"occurrence_date"`
	PredictionOutcome     string          `db:"prediction_outcome" json:"prediction_outcome"`
	PredictionProbability float64         `db:"prediction_probability" json:"prediction_probability"`
	PredictionQualitative string          `db:"prediction_qualitative" json:"prediction_qualitative"`
	FallbackReason        *string         `db:"fallback_reason" json:"fallback_reason,omitempty"`
	Note                  *string         `db:"note" json:"note,omitempty"`
	InputSnapshot         json.RawMessage `db:"input_snapshot" json:"input_snapshot,omitempty"`
	VersionID             int             `db:"version_id" json:"version_id"`
	CreatedAt             time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time       `db:"updated_at" json:"updated_at"`
}

// NewRiskAssessment builds the record for a prediction result. It returns
// nil when the result carries no outcome.
func NewRiskAssessment(patientID uuid.UUID, data PatientData, res Result, at time.Time) *RiskAssessment {
	if res.Outcome == nil {
		return nil
	}
	ra := &RiskAssessment{
		Status:                riskAssessmentFinal,
		MethodCode:            MethodRemoteML,
		MethodDisplay:         "Remote ML model",
		CodeCode:              riskCodeDiabetes,
		CodeDisplay:           riskCodeDisplay,
		SubjectPatientID:      patientID,
		OccurrenceDate:        at.UTC(),
		PredictionOutcome:     string(res.Outcome.Prediction),
		PredictionProbability: res.Outcome.Probability,
		PredictionQualitative: res.Outcome.Prediction.QualitativeRisk(),
	}
	if res.Source == SourceRuleBased {
		ra.MethodCode = MethodRuleBased
		ra.MethodDisplay = "Rule-based threshold scorer"
	}
	if res.Status == StatusFallback {
		reason := string(res.Reason)
		ra.FallbackReason = &reason
		note := "ML service unavailable, rule-based fallback used: " + res.Error
		ra.Note = &note
	}
	if snapshot, err := json.Marshal(data); err == nil {
		ra.InputSnapshot = snapshot
	}
	return ra
}

func (ra *RiskAssessment) ToFHIR() map[string]interface{} {
	result := map[string]interface{}{
		"resourceType": "RiskAssessment",
		"id":           ra.FHIRID,
		"status":       ra.Status,
		"subject":      fhir.Reference{Reference: fhir.FormatReference("Patient", ra.SubjectPatientID.String())},
		"meta":         fhir.Meta{LastUpdated: ra.UpdatedAt},
		"method": fhir.CodeableConcept{
			Coding: []fhir.Coding{{System: methodSystem, Code: ra.MethodCode, Display: ra.MethodDisplay}},
		},
		"code": fhir.CodeableConcept{
			Coding: []fhir.Coding{{System: codeSystem, Code: ra.CodeCode, Display: ra.CodeDisplay}},
		},
		"occurrenceDateTime": ra.OccurrenceDate.Format(time.RFC3339),
		"prediction": []interface{}{
			map[string]interface{}{
				"outcome": fhir.CodeableConcept{
					Coding: []fhir.Coding{{Code: ra.PredictionOutcome, Display: ra.PredictionOutcome}},
				},
				"probabilityDecimal": ra.PredictionProbability,
				"qualitativeRisk": fhir.CodeableConcept{
					Coding: []fhir.Coding{{
						System:  "http://terminology.hl7.org/CodeSystem/risk-probability",
						Code:    ra.PredictionQualitative,
						Display: ra.PredictionQualitative,
					}},
				},
			},
		},
	}
	if ra.Note != nil {
		result["note"] = []map[string]string{{"text": *ra.Note}}
	}
	return result
}

// ErrNotFound is returned by repository lookups that match no row.
var ErrNotFound = errors.New("risk assessment not found")

// RiskAssessmentRepository stores prediction history.
type RiskAssessmentRepository interface {
	Create(ctx context.Context, ra *RiskAssessment) error
	GetByID(ctx context.Context, id uuid.UUID) (*RiskAssessment, error)
	GetByFHIRID(ctx context.Context, fhirID string) (*RiskAssessment, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*RiskAssessment, int, error)
	Search(ctx context.Context, params map[string]string, limit, offset int) ([]*RiskAssessment, int, error)
}
