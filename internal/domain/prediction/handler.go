package prediction

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/riskpredict/internal/platform/auth"
	"github.com/ehr/riskpredict/internal/platform/fhir"
	"github.com/ehr/riskpredict/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group, fhirGroup *echo.Group) {
	// Scoring endpoints – clinicians and patients
	scoreGroup := api.Group("", auth.RequireRole("admin", "physician", "nurse", "patient"))
	scoreGroup.POST("/predict", h.Predict)
	scoreGroup.POST("/predict/batch", h.PredictBatch)
	scoreGroup.POST("/score", h.Score)

	// History read endpoints – admin, physician, nurse
	readGroup := api.Group("", auth.RequireRole("admin", "physician", "nurse"))
	readGroup.GET("/predictions", h.ListPredictions)
	readGroup.GET("/predictions/:id", h.GetPrediction)

	fhirRead := fhirGroup.Group("", auth.RequireRole("admin", "physician", "nurse"))
	fhirRead.GET("/RiskAssessment", h.SearchRiskAssessmentsFHIR)
	fhirRead.GET("/RiskAssessment/:id", h.GetRiskAssessmentFHIR)
}

type batchRequest struct {
	Items []PatientData `json:"items"`
}

type batchResponse struct {
	Results []Result `json:"results"`
}

type scoreResponse struct {
	PredictionOutcome
	RiskLevel string   `json:"risk_level"`
	Factors   []Factor `json:"factors"`
}

// decodeBody reads a single JSON value from the request body.
func decodeBody(c echo.Context, v interface{}) error {
	if err := json.NewDecoder(c.Request().Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return echo.NewHTTPError(http.StatusBadRequest, "request body is empty")
		}
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he
		}
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("malformed request body: %v", err))
	}
	return nil
}

func (h *Handler) Predict(c echo.Context) error {
	var data PatientData
	if err := decodeBody(c, &data); err != nil {
		return err
	}
	if err := data.Risk.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	res := h.svc.Predict(c.Request().Context(), data)
	if !res.Available() {
		return c.JSON(http.StatusServiceUnavailable, res)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) PredictBatch(c echo.Context) error {
	var req batchRequest
	if err := decodeBody(c, &req); err != nil {
		return err
	}
	if len(req.Items) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "items must not be empty")
	}
	if len(req.Items) > MaxBatchSize {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, fmt.Sprintf("at most %d items per batch", MaxBatchSize))
	}
	for i, item := range req.Items {
		if err := item.Risk.Validate(); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("items[%d]: %v", i, err))
		}
	}

	results, err := h.svc.PredictBatch(c.Request().Context(), req.Items)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, batchResponse{Results: results})
}

func (h *Handler) Score(c echo.Context) error {
	var in PatientRiskInput
	if err := decodeBody(c, &in); err != nil {
		return err
	}
	if err := in.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	outcome, factors := ScoreDetailed(in)
	return c.JSON(http.StatusOK, scoreResponse{
		PredictionOutcome: outcome,
		RiskLevel:         outcome.Prediction.QualitativeRisk(),
		Factors:           factors,
	})
}

// -- History --

func (h *Handler) ListPredictions(c echo.Context) error {
	pg := pagination.FromContext(c)
	ctx := c.Request().Context()

	var (
		items []*RiskAssessment
		total int
		err   error
	)
	if patientID := c.QueryParam("patient_id"); patientID != "" {
		pid, perr := uuid.Parse(patientID)
		if perr != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
		items, total, err = h.svc.ListAssessmentsByPatient(ctx, pid, pg.Limit, pg.Offset)
	} else {
		items, total, err = h.svc.SearchAssessments(ctx, nil, pg.Limit, pg.Offset)
	}
	if errors.Is(err, ErrStorageDisabled) {
		return echo.NewHTTPError(http.StatusNotImplemented, err.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if items == nil {
		items = []*RiskAssessment{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetPrediction(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ra, err := h.svc.GetAssessment(c.Request().Context(), id)
	if errors.Is(err, ErrStorageDisabled) {
		return echo.NewHTTPError(http.StatusNotImplemented, err.Error())
	}
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "prediction not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, ra)
}

// -- FHIR --

func (h *Handler) SearchRiskAssessmentsFHIR(c echo.Context) error {
	pg := pagination.FromContext(c)
	params := fhir.ExtractSearchParams(c)
	queryStr := encodeSearchParams(params)
	if s := c.QueryParam("_sort"); s != "" {
		params["_sort"] = s
	}

	items, total, err := h.svc.SearchAssessments(c.Request().Context(), params, pg.Limit, pg.Offset)
	switch {
	case errors.Is(err, ErrStorageDisabled):
		return c.JSON(http.StatusNotImplemented, fhir.NotSupportedOutcome(err.Error()))
	case errors.Is(err, fhir.ErrInvalidSearchParam):
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
	case err != nil:
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}

	resources := make([]interface{}, len(items))
	for i, item := range items {
		resources[i] = item.ToFHIR()
	}
	bundle := fhir.NewSearchBundleWithLinks(resources, fhir.SearchBundleParams{
		BaseURL:  "/fhir/RiskAssessment",
		QueryStr: queryStr,
		Count:    pg.Limit,
		Offset:   pg.Offset,
		Total:    total,
	})
	return c.JSON(http.StatusOK, bundle)
}

func (h *Handler) GetRiskAssessmentFHIR(c echo.Context) error {
	ra, err := h.svc.GetAssessmentByFHIRID(c.Request().Context(), c.Param("id"))
	if errors.Is(err, ErrStorageDisabled) {
		return c.JSON(http.StatusNotImplemented, fhir.NotSupportedOutcome(err.Error()))
	}
	if errors.Is(err, ErrNotFound) {
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("RiskAssessment", c.Param("id")))
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}
	c.Response().Header().Set("ETag", fmt.Sprintf(`W/"%d"`, ra.VersionID))
	c.Response().Header().Set("Last-Modified", ra.UpdatedAt.UTC().Format(http.TimeFormat))
	return c.JSON(http.StatusOK, ra.ToFHIR())
}

// encodeSearchParams renders the search filters for bundle links, without
// paging controls.
func encodeSearchParams(params map[string]string) string {
	v := url.Values{}
	for k, val := range params {
		v.Set(k, val)
	}
	return v.Encode()
}
