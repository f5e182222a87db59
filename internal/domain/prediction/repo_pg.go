package prediction

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/riskpredict/internal/platform/fhir"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type riskAssessmentRepoPG struct{ pool *pgxpool.Pool }

func NewRiskAssessmentRepoPG(pool *pgxpool.Pool) RiskAssessmentRepository {
	return &riskAssessmentRepoPG{pool: pool}
}

func (r *riskAssessmentRepoPG) conn() queryable {
	return r.pool
}

const riskAssessmentCols = `id, fhir_id, status, method_code, method_display,
	code_code, code_display, subject_patient_id, occurrence_date,
	prediction_outcome, prediction_probability, prediction_qualitative,
	fallback_reason, note, input_snapshot,
	version_id, created_at, updated_at`

var riskAssessmentSearchParams = map[string]fhir.SearchParamConfig{
	"patient":     {Type: fhir.SearchParamReference, Column: "subject_patient_id"},
	"subject":     {Type: fhir.SearchParamReference, Column: "subject_patient_id"},
	"status":      {Type: fhir.SearchParamToken, Column: "status"},
	"method":      {Type: fhir.SearchParamToken, Column: "method_code"},
	"outcome":     {Type: fhir.SearchParamToken, Column: "prediction_outcome"},
	"risk":        {Type: fhir.SearchParamToken, Column: "prediction_qualitative"},
	"probability": {Type: fhir.SearchParamNumber, Column: "prediction_probability"},
	"date":        {Type: fhir.SearchParamDate, Column: "occurrence_date"},
}

const defaultRiskAssessmentOrder = "occurrence_date DESC, created_at DESC"

func (r *riskAssessmentRepoPG) scanRiskAssessment(row pgx.Row) (*RiskAssessment, error) {
	var ra RiskAssessment
	err := row.Scan(&ra.ID, &ra.FHIRID, &ra.Status, &ra.MethodCode, &ra.MethodDisplay,
		&ra.CodeCode, &ra.CodeDisplay, &ra.SubjectPatientID, &ra.OccurrenceDate,
		&ra.PredictionOutcome, &ra.PredictionProbability, &ra.PredictionQualitative,
		&ra.FallbackReason, &ra.Note, &ra.InputSnapshot,
		&ra.VersionID, &ra.CreatedAt, &ra.UpdatedAt)
	return &ra, err
}

func (r *riskAssessmentRepoPG) Create(ctx context.Context, ra *RiskAssessment) error {
	ra.ID = uuid.New()
	if ra.FHIRID == "" {
		ra.FHIRID = ra.ID.String()
	}
	return r.conn().QueryRow(ctx, `
		INSERT INTO risk_assessment (id, fhir_id, status, method_code, method_display,
			code_code, code_display, subject_patient_id, occurrence_date,
			prediction_outcome, prediction_probability, prediction_qualitative,
			fallback_reason, note, input_snapshot)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		RETURNING version_id, created_at, updated_at`,
		ra.ID, ra.FHIRID, ra.Status, ra.MethodCode, ra.MethodDisplay,
		ra.CodeCode, ra.CodeDisplay, ra.SubjectPatientID, ra.OccurrenceDate,
		ra.PredictionOutcome, ra.PredictionProbability, ra.PredictionQualitative,
		ra.FallbackReason, ra.Note, ra.InputSnapshot,
	).Scan(&ra.VersionID, &ra.CreatedAt, &ra.UpdatedAt)
}

func (r *riskAssessmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*RiskAssessment, error) {
	return r.getOne(r.conn().QueryRow(ctx, `SELECT `+riskAssessmentCols+` FROM risk_assessment WHERE id = $1`, id))
}

func (r *riskAssessmentRepoPG) GetByFHIRID(ctx context.Context, fhirID string) (*RiskAssessment, error) {
	return r.getOne(r.conn().QueryRow(ctx, `SELECT `+riskAssessmentCols+` FROM risk_assessment WHERE fhir_id = $1`, fhirID))
}

func (r *riskAssessmentRepoPG) getOne(row pgx.Row) (*RiskAssessment, error) {
	ra, err := r.scanRiskAssessment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get risk assessment: %w", err)
	}
	return ra, nil
}

func (r *riskAssessmentRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*RiskAssessment, int, error) {
	return r.Search(ctx, map[string]string{"patient": patientID.String()}, limit, offset)
}

// Search applies the supported FHIR search parameters. A "_sort" entry in
// params selects the ordering.
func (r *riskAssessmentRepoPG) Search(ctx context.Context, params map[string]string, limit, offset int) ([]*RiskAssessment, int, error) {
	q := fhir.NewSearchQuery("risk_assessment", riskAssessmentCols)
	if err := q.ApplyParams(params, riskAssessmentSearchParams); err != nil {
		return nil, 0, err
	}
	q.ApplySort(params["_sort"], defaultRiskAssessmentOrder, riskAssessmentSearchParams)

	var total int
	if err := r.conn().QueryRow(ctx, q.CountSQL(), q.CountArgs()...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn().Query(ctx, q.DataSQL(), q.DataArgs(limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*RiskAssessment
	for rows.Next() {
		ra, err := r.scanRiskAssessment(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, ra)
	}
	return items, total, rows.Err()
}
