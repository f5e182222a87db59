package prediction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultTimeout          = 10 * time.Second
	DefaultBatchConcurrency = 4
	DefaultDeadlineHeadroom = 250 * time.Millisecond
	MaxBatchSize            = 100
)

// ErrStorageDisabled is returned by history lookups when no repository is
// configured.
var ErrStorageDisabled = errors.New("prediction history storage is not configured")

// ErrNoTimeLeft marks an ML call skipped because the caller's deadline was
// too close.
var ErrNoTimeLeft = errors.New("request deadline leaves no time for the ml service call")

// Options control how the Service treats ML service failures.
type Options struct {
	// AllowFallback permits substituting the rule-based score when the ML
	// service call fails. When false the result is StatusUnavailable.
	AllowFallback bool
	// Timeout bounds each ML service call.
	Timeout time.Duration
	// BatchConcurrency bounds parallel calls in PredictBatch.
	BatchConcurrency int
	// DeadlineHeadroom is kept free before the caller's deadline so the
	// fallback result can still be returned.
	DeadlineHeadroom time.Duration
	Logger           zerolog.Logger
}

type Service struct {
	client MLClient
	repo   RiskAssessmentRepository
	opts   Options
	logger zerolog.Logger
	now    func() time.Time
}

// NewService wires the ML client and an optional history repository (nil
// disables persistence).
func NewService(client MLClient, repo RiskAssessmentRepository, opts Options) *Service {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.BatchConcurrency <= 0 {
		opts.BatchConcurrency = DefaultBatchConcurrency
	}
	if opts.DeadlineHeadroom <= 0 {
		opts.DeadlineHeadroom = DefaultDeadlineHeadroom
	}
	logCtx := opts.Logger.With().Str("component", "prediction")
	if ep, ok := client.(interface{ Endpoint() string }); ok {
		logCtx = logCtx.Str("endpoint", ep.Endpoint())
	}
	return &Service{
		client: client,
		repo:   repo,
		opts:   opts,
		logger: logCtx.Logger(),
		now:    time.Now,
	}
}

// FallbackAllowed reports the configured fallback mode.
func (s *Service) FallbackAllowed() bool { return s.opts.AllowFallback }

// StorageEnabled reports whether predictions are persisted.
func (s *Service) StorageEnabled() bool { return s.repo != nil }

// Predict asks the ML service once. A failed call never surfaces as an
// error: it becomes StatusFallback (rule-based outcome) or
// StatusUnavailable depending on the fallback mode.
func (s *Service) Predict(ctx context.Context, data PatientData) Result {
	var (
		outcome *PredictionOutcome
		err     error
	)
	if budget, ok := s.remoteBudget(ctx); ok {
		callCtx, cancel := context.WithTimeout(ctx, budget)
		outcome, err = s.client.Predict(callCtx, data)
		cancel()
	} else {
		err = &RemoteError{Reason: ReasonTimeout, Err: ErrNoTimeLeft}
		if errors.Is(ctx.Err(), context.Canceled) {
			err = &RemoteError{Reason: ReasonNetwork, Err: ctx.Err()}
		}
	}

	var res Result
	if err == nil {
		res = Result{Status: StatusOK, Outcome: outcome, Source: SourceRemote}
	} else {
		rerr := asRemoteError(err)
		s.logger.Warn().
			Err(rerr.Err).
			Str("reason", string(rerr.Reason)).
			Int("status_code", rerr.StatusCode).
			Bool("fallback", s.opts.AllowFallback).
			Msg("ml service prediction failed")

		res = Result{Status: StatusUnavailable, Reason: rerr.Reason, Error: rerr.Error()}
		if s.opts.AllowFallback {
			scored := Score(data.Risk)
			res.Status = StatusFallback
			res.Outcome = &scored
			res.Source = SourceRuleBased
		}
	}

	s.record(ctx, data, &res)
	return res
}

// remoteBudget is how long the ML call may run: Options.Timeout, cut to
// end DeadlineHeadroom before ctx's deadline. ok is false when nothing is
// left or ctx is already done.
func (s *Service) remoteBudget(ctx context.Context) (time.Duration, bool) {
	if ctx.Err() != nil {
		return 0, false
	}
	budget := s.opts.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		left := time.Until(deadline) - s.opts.DeadlineHeadroom
		if left <= 0 {
			return 0, false
		}
		if left < budget {
			budget = left
		}
	}
	return budget, true
}

// PredictBatch runs Predict for every item with bounded concurrency.
// Results are returned in input order. Items reached after the remote
// budget of ctx is spent skip the ML call and fall back at once.
func (s *Service) PredictBatch(ctx context.Context, items []PatientData) ([]Result, error) {
	if len(items) > MaxBatchSize {
		return nil, fmt.Errorf("batch size %d exceeds maximum of %d", len(items), MaxBatchSize)
	}
	results := make([]Result, len(items))

	var g errgroup.Group
	g.SetLimit(s.opts.BatchConcurrency)
	for i := range items {
		g.Go(func() error {
			results[i] = s.Predict(ctx, items[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Service) record(ctx context.Context, data PatientData, res *Result) {
	if s.repo == nil || data.PatientID == nil {
		return
	}
	ra := NewRiskAssessment(*data.PatientID, data, *res, s.now())
	if ra == nil {
		return
	}
	if err := s.repo.Create(ctx, ra); err != nil {
		s.logger.Error().Err(err).Str("patient_id", data.PatientID.String()).Msg("failed to store risk assessment")
		return
	}
	id := ra.ID
	res.AssessmentID = &id
}

// -- History --

func (s *Service) GetAssessment(ctx context.Context, id uuid.UUID) (*RiskAssessment, error) {
	if s.repo == nil {
		return nil, ErrStorageDisabled
	}
	return s.repo.GetByID(ctx, id)
}

func (s *Service) GetAssessmentByFHIRID(ctx context.Context, fhirID string) (*RiskAssessment, error) {
	if s.repo == nil {
		return nil, ErrStorageDisabled
	}
	return s.repo.GetByFHIRID(ctx, fhirID)
}

func (s *Service) ListAssessmentsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*RiskAssessment, int, error) {
	if s.repo == nil {
		return nil, 0, ErrStorageDisabled
	}
	return s.repo.ListByPatient(ctx, patientID, limit, offset)
}

func (s *Service) SearchAssessments(ctx context.Context, params map[string]string, limit, offset int) ([]*RiskAssessment, int, error) {
	if s.repo == nil {
		return nil, 0, ErrStorageDisabled
	}
	return s.repo.Search(ctx, params, limit, offset)
}

func asRemoteError(err error) *RemoteError {
	var rerr *RemoteError
	if errors.As(err, &rerr) {
		return rerr
	}
	return &RemoteError{Reason: classifyTransportError(err), Err: err}
}
