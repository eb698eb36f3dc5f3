package service

import (
	"context"
	"fmt"
	"time"

	"github.com/portfolio-tracker/internal/cashflow"
	"github.com/portfolio-tracker/internal/job"
	"github.com/portfolio-tracker/internal/logging"
	"github.com/portfolio-tracker/internal/models"
)

// CashFlowService replays transaction logs into cash positions and external
// cash flows. It is the single rebuild entry point for derived capital
// figures: drift is corrected by re-running it, never by editing rows.
type CashFlowService struct {
	users     UserRepository
	txRepo    TransactionRepository
	positions CashPositionRepository
	checker   *ConsistencyChecker
	runner    *job.Runner
	now       func() time.Time
}

// NewCashFlowService creates a new cash-flow service. checker may be nil.
func NewCashFlowService(
	users UserRepository,
	txRepo TransactionRepository,
	positions CashPositionRepository,
	checker *ConsistencyChecker,
	runner *job.Runner,
) *CashFlowService {
	return &CashFlowService{
		users:     users,
		txRepo:    txRepo,
		positions: positions,
		checker:   checker,
		runner:    runner,
		now:       time.Now,
	}
}

func (s *CashFlowService) replay(ctx context.Context, userID int64) (*cashflow.Result, error) {
	txs, err := s.txRepo.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load transactions: %w", err)
	}
	return cashflow.Replay(userID, txs)
}

// Flows returns the user's external cash flows in time order
func (s *CashFlowService) Flows(ctx context.Context, userID int64) ([]models.CashFlow, error) {
	res, err := s.replay(ctx, userID)
	if err != nil {
		return nil, err
	}
	return res.Flows, nil
}

// RebuildPosition replays the user's transactions and fully replaces the
// stored cash position. Running it twice yields the same position.
func (s *CashFlowService) RebuildPosition(ctx context.Context, userID int64) (*models.CashPosition, error) {
	res, err := s.replay(ctx, userID)
	if err != nil {
		return nil, err
	}

	pos := res.Position(s.now())
	if err := s.positions.Upsert(ctx, pos); err != nil {
		return nil, err
	}

	if s.checker != nil {
		if _, err := s.checker.CheckMaxCashDeployed(ctx, userID, res.Flows); err != nil {
			logging.FromContext(ctx).WithError(err).WithField("user_id", userID).Warn("Consistency check skipped")
		}
	}
	return pos, nil
}

// RebuildAll rebuilds the positions of one user, or of every user when
// userID is nil
func (s *CashFlowService) RebuildAll(ctx context.Context, userID *int64) (*job.Report, error) {
	var ids []int64
	if userID != nil {
		if _, err := s.users.GetByID(ctx, *userID); err != nil {
			return nil, err
		}
		ids = []int64{*userID}
	} else {
		users, err := s.users.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list users: %w", err)
		}
		for _, u := range users {
			ids = append(ids, u.ID)
		}
	}

	items := make([]job.Item, 0, len(ids))
	for _, id := range ids {
		id := id
		items = append(items, job.Item{
			Key:    fmt.Sprintf("cash_position:%d", id),
			UserID: id,
			Run: func(ctx context.Context) error {
				_, err := s.RebuildPosition(ctx, id)
				return err
			},
		})
	}

	return s.runner.Run(ctx, "cash_positions", items), nil
}
