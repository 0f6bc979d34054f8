// Package trade expone las órdenes de los usuarios: toma el lock del
// contrato, corre el motor y notifica el resultado.
package trade

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/marketmaker/internal/application/engine"
	"github.com/alejandrodnm/marketmaker/internal/domain"
	"github.com/alejandrodnm/marketmaker/internal/ports"
)

const (
	defaultMaxRetries = 3
	retryBase         = 50 * time.Millisecond
)

// Config de reintentos ante fallas transitorias del store.
type Config struct {
	MaxRetries int
}

// Service ejecuta órdenes de compra, venta y cancelación.
type Service struct {
	cfg      Config
	locker   domain.RowLocker
	engine   *engine.Engine
	notifier ports.Notifier
}

// New crea un Service. notifier puede ser nil.
func New(cfg Config, locker domain.RowLocker, eng *engine.Engine, notifier ports.Notifier) *Service {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	return &Service{cfg: cfg, locker: locker, engine: eng, notifier: notifier}
}

// PlaceBet ejecuta una compra. Un rechazo del motor vuelve tal cual y no
// escribe nada.
func (s *Service) PlaceBet(ctx context.Context, req engine.BetRequest) (domain.TradeReport, error) {
	report, err := s.run(ctx, req.ContractID, func(l *domain.Locked) (domain.TradeReport, error) {
		return s.engine.PlaceBet(l, req)
	})
	if err != nil {
		s.logReject("bet", req.ContractID, req.UserID, err)
		return domain.TradeReport{}, err
	}
	slog.Info("bet placed",
		"contract_id", report.ContractID,
		"market", engine.TruncateStr(report.Question, 40),
		"answer_id", report.AnswerID,
		"user_id", report.UserID,
		"outcome", report.Outcome,
		"amount", req.Amount,
		"prob_before", fmt.Sprintf("%.4f", report.ProbBefore),
		"prob_after", fmt.Sprintf("%.4f", report.ProbAfter),
		"fills", len(report.TakerBets()),
		"resting", report.Resting != nil,
	)
	s.notify(ctx, report)
	return report, nil
}

// Sell vende shares de una posición.
func (s *Service) Sell(ctx context.Context, req engine.SellRequest) (domain.TradeReport, error) {
	report, err := s.run(ctx, req.ContractID, func(l *domain.Locked) (domain.TradeReport, error) {
		return s.engine.Sell(l, req)
	})
	if err != nil {
		s.logReject("sell", req.ContractID, req.UserID, err)
		return domain.TradeReport{}, err
	}
	slog.Info("shares sold",
		"contract_id", report.ContractID,
		"market", engine.TruncateStr(report.Question, 40),
		"answer_id", report.AnswerID,
		"user_id", report.UserID,
		"outcome", report.Outcome,
		"prob_after", fmt.Sprintf("%.4f", report.ProbAfter),
	)
	s.notify(ctx, report)
	return report, nil
}

// CancelLimitOrder cancela una orden abierta del usuario.
func (s *Service) CancelLimitOrder(ctx context.Context, contractID, userID, betID string) (domain.LimitBet, error) {
	var cancelled domain.LimitBet
	err := engine.Retry(ctx, s.cfg.MaxRetries, retryBase, func() error {
		return domain.WithLockedContract(ctx, s.locker, contractID, func(l *domain.Locked) error {
			var err error
			cancelled, err = s.engine.CancelLimitOrder(l, userID, betID)
			return err
		})
	})
	if err != nil {
		return domain.LimitBet{}, fmt.Errorf("trade.CancelLimitOrder: %w", err)
	}
	slog.Info("limit order cancelled", "contract_id", contractID, "bet_id", betID, "user_id", userID)
	return cancelled, nil
}

func (s *Service) run(ctx context.Context, contractID string, op func(*domain.Locked) (domain.TradeReport, error)) (domain.TradeReport, error) {
	var report domain.TradeReport
	err := engine.Retry(ctx, s.cfg.MaxRetries, retryBase, func() error {
		return domain.WithLockedContract(ctx, s.locker, contractID, func(l *domain.Locked) error {
			var err error
			report, err = op(l)
			return err
		})
	})
	return report, err
}

func (s *Service) notify(ctx context.Context, report domain.TradeReport) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.NotifyTrade(ctx, report); err != nil {
		slog.Warn("notifier error", "err", err)
	}
}

func (s *Service) logReject(op, contractID, userID string, err error) {
	if reason := domain.RejectReasonOf(err); reason != "" {
		slog.Info("order rejected", "op", op, "contract_id", contractID, "user_id", userID, "reason", reason, "err", err)
		return
	}
	slog.Error("order failed", "op", op, "contract_id", contractID, "user_id", userID, "err", err)
}
