package service

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/portfolio-tracker/internal/errors"
	"github.com/portfolio-tracker/internal/logging"
	"github.com/portfolio-tracker/internal/market"
	"github.com/portfolio-tracker/internal/metrics"
	"github.com/portfolio-tracker/internal/models"
	"github.com/portfolio-tracker/internal/performance"
	"github.com/portfolio-tracker/internal/sampler"
	"github.com/portfolio-tracker/internal/types"
)

// PerformanceResult is the answer to a performance request. A number is nil
// whenever it could not be computed, and Error says why; a failure is never
// reported as 0%.
type PerformanceResult struct {
	UserID                 int64                `json:"user_id"`
	Period                 types.PeriodCode     `json:"period"`
	AsOf                   string               `json:"as_of"`
	PortfolioReturnPercent *float64             `json:"portfolio_return_percent"`
	BenchmarkReturnPercent *float64             `json:"benchmark_return_percent"`
	ChartData              *models.ChartPayload `json:"chart_data"`
	Error                  *types.ServiceError  `json:"error,omitempty"`
	ChartError             *types.ServiceError  `json:"chart_error,omitempty"`
}

// Available reports whether the portfolio return was computed
func (r *PerformanceResult) Available() bool {
	return r.Error == nil && r.PortfolioReturnPercent != nil
}

// PerformanceService answers on-demand performance requests
type PerformanceService struct {
	users   UserRepository
	calc    *performance.Calculator
	charts  *ChartService
	cal     *market.Calendar
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewPerformanceService creates a new performance service
func NewPerformanceService(
	users UserRepository,
	calc *performance.Calculator,
	charts *ChartService,
	cal *market.Calendar,
	m *metrics.Metrics,
) *PerformanceService {
	return &PerformanceService{
		users:   users,
		calc:    calc,
		charts:  charts,
		cal:     cal,
		metrics: m,
		now:     time.Now,
	}
}

// GetPerformance computes the user's return over period with its chart. It
// never panics and never returns a nil result.
func (s *PerformanceService) GetPerformance(ctx context.Context, userID int64, period types.PeriodCode) (result *PerformanceResult) {
	asOf := s.cal.EffectiveAsOf(s.now())
	result = &PerformanceResult{
		UserID: userID,
		Period: period,
		AsOf:   asOf.Format(models.DateLayout),
	}
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"user_id": userID,
		"period":  period,
	})

	defer func() {
		if p := recover(); p != nil {
			logger.Errorf("Recovered from panic in performance calculation: %v", p)
			result.PortfolioReturnPercent = nil
			result.BenchmarkReturnPercent = nil
			result.ChartData = nil
			result.Error = apperrors.NewInternalError("performance calculation failed", fmt.Errorf("panic: %v", p)).ToServiceError()
			s.metrics.Calculation(string(period), apperrors.CodeInternal)
		}
	}()

	fail := func(err error) *PerformanceResult {
		catErr := apperrors.Categorize(err)
		result.Error = catErr.ToServiceError()
		s.metrics.Calculation(string(period), catErr.Code)
		if apperrors.IsSystemError(err) {
			logger.WithError(err).Error("Performance calculation failed")
		} else {
			logger.WithError(err).Debug("Performance unavailable")
		}
		return result
	}

	if _, err := s.users.GetByID(ctx, userID); err != nil {
		return fail(err)
	}

	window, err := sampler.Resolve(period, asOf, s.cal)
	if err != nil {
		return fail(apperrors.NewInvalidParameterError("period", err.Error()))
	}

	res, err := s.calc.Calculate(ctx, userID, window.Start, window.End)
	if err != nil {
		return fail(err)
	}
	ret := res.ReturnPercent
	result.PortfolioReturnPercent = &ret
	s.metrics.Calculation(string(period), "ok")

	chart, err := s.charts.Get(ctx, userID, period, "")
	if err != nil {
		result.ChartError = apperrors.Categorize(err).ToServiceError()
		logger.WithError(err).Debug("Chart unavailable")
		return result
	}
	bench := chart.BenchmarkReturnPercent
	result.BenchmarkReturnPercent = &bench
	result.ChartData = chart
	return result
}
