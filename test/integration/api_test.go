//go:build integration

package integration

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/riskpredict/internal/domain/prediction"
	"github.com/ehr/riskpredict/internal/platform/auth"
)

// newAPI wires the prediction routes against the real repository, with a
// fixed physician identity in place of token auth.
func newAPI(t *testing.T, mlURL string) *echo.Echo {
	t.Helper()
	client := prediction.NewHTTPClient(mlURL)
	svc := prediction.NewService(client, prediction.NewRiskAssessmentRepoPG(globalDB.Pool), prediction.Options{
		AllowFallback: true,
		Timeout:       500 * time.Millisecond,
		Logger:        zerolog.Nop(),
	})

	e := echo.New()
	identity := func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := auth.WithIdentity(c.Request().Context(), "clin-1", []string{"physician"})
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
	prediction.NewHandler(svc).RegisterRoutes(e.Group("/api/v1", identity), e.Group("/fhir", identity))
	return e
}

func serve(e *echo.Echo, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestAPI_PredictionHistoryRoundTrip(t *testing.T) {
	truncate(t)

	var mlDown atomic.Bool
	ml := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if mlDown.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"prediction":"diabetic","probability":0.82}`))
	}))
	defer ml.Close()

	e := newAPI(t, ml.URL)
	patient := uuid.New()
	body := `{"patient_id":"` + patient.String() + `","age":45,"bmi":28,"glucoseLevel":110,"bloodPressure":80}`

	rec := serve(e, http.MethodPost, "/api/v1/predict", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var remote prediction.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &remote))
	assert.Equal(t, prediction.StatusOK, remote.Status)
	require.NotNil(t, remote.AssessmentID)

	mlDown.Store(true)
	rec = serve(e, http.MethodPost, "/api/v1/predict", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var fallback prediction.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fallback))
	assert.Equal(t, prediction.StatusFallback, fallback.Status)
	assert.Equal(t, prediction.ReasonRemoteStatus, fallback.Reason)
	require.NotNil(t, fallback.Outcome)
	assert.Equal(t, prediction.CategoryPreDiabetic, fallback.Outcome.Prediction)
	assert.InDelta(t, 0.6, fallback.Outcome.Probability, 1e-9)
	require.NotNil(t, fallback.AssessmentID)

	rec = serve(e, http.MethodGet, "/api/v1/predictions?patient_id="+patient.String(), "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var page struct {
		Data  []prediction.RiskAssessment `json:"data"`
		Total int                         `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, 2, page.Total)
	require.Len(t, page.Data, 2)

	methods := map[string]bool{}
	for _, ra := range page.Data {
		methods[ra.MethodCode] = true
		assert.JSONEq(t, `{"age":45,"bmi":28,"glucoseLevel":110,"bloodPressure":80,"patient_id":"`+patient.String()+`"}`,
			string(ra.InputSnapshot))
	}
	assert.True(t, methods[prediction.MethodRemoteML])
	assert.True(t, methods[prediction.MethodRuleBased])

	rec = serve(e, http.MethodGet, "/api/v1/predictions/"+remote.AssessmentID.String(), "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(e, http.MethodGet, "/fhir/RiskAssessment?patient="+patient.String()+"&method="+prediction.MethodRuleBased, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var bundle map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &bundle))
	assert.Equal(t, "Bundle", bundle["resourceType"])
	assert.EqualValues(t, 1, bundle["total"])

	rec = serve(e, http.MethodGet, "/fhir/RiskAssessment/"+fallback.AssessmentID.String(), "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, `W/"1"`, rec.Header().Get("ETag"))
	var resource map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resource))
	assert.Equal(t, "RiskAssessment", resource["resourceType"])
	assert.Contains(t, resource, "note")
}

func TestAPI_PredictWithoutPatientIsNotStored(t *testing.T) {
	truncate(t)
	e := newAPI(t, "")

	rec := serve(e, http.MethodPost, "/api/v1/predict", `{"age":30,"familyHistory":true}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res prediction.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, prediction.StatusFallback, res.Status)
	assert.Equal(t, prediction.ReasonNetwork, res.Reason)
	assert.Nil(t, res.AssessmentID)

	var n int
	require.NoError(t, globalDB.Pool.QueryRow(t.Context(), "SELECT COUNT(*) FROM risk_assessment").Scan(&n))
	assert.Zero(t, n)
}

func TestAPI_BatchStoresEachPatient(t *testing.T) {
	truncate(t)
	e := newAPI(t, "")

	p1, p2 := uuid.New(), uuid.New()
	body := `{"items":[{"patient_id":"` + p1.String() + `","age":65,"bmi":31},{"patient_id":"` + p2.String() + `","glucoseLevel":90}]}`
	rec := serve(e, http.MethodPost, "/api/v1/predict/batch", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var out struct {
		Results []prediction.Result `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out.Results, 2)
	assert.Equal(t, prediction.CategoryDiabetic, out.Results[0].Outcome.Prediction)
	assert.Equal(t, prediction.CategoryNonDiabetic, out.Results[1].Outcome.Prediction)

	for _, p := range []uuid.UUID{p1, p2} {
		rec = serve(e, http.MethodGet, "/fhir/RiskAssessment?subject=Patient/"+p.String(), "")
		require.Equal(t, http.StatusOK, rec.Code)
		var bundle map[string]interface{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &bundle))
		assert.EqualValues(t, 1, bundle["total"])
	}
}

func TestAPI_ScoreWithoutStorageUse(t *testing.T) {
	e := newAPI(t, "")
	in := prediction.PatientRiskInput{Age: intPtr(45), FamilyHistory: boolPtr(true)}
	raw, err := json.Marshal(in)
	require.NoError(t, err)

	rec := serve(e, http.MethodPost, "/api/v1/score", string(raw))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "pre-diabetic", out["prediction"])
	assert.InDelta(t, 0.5, out["probability"], 1e-9)
}
