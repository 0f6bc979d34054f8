// Package expiry cancela periódicamente las órdenes límite vencidas.
package expiry

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
	defaultInterval   = time.Minute
	defaultMaxRetries = 3
	retryBase         = 50 * time.Millisecond
)

// Config contiene la configuración del expirer.
type Config struct {
	Interval   time.Duration
	MaxRetries int
	DryRun     bool
}

// Expirer recorre los contratos con órdenes vencidas y las cancela bajo el
// lock de cada contrato.
type Expirer struct {
	cfg    Config
	store  ports.ContractStore
	locker domain.RowLocker
	engine *engine.Engine
	now    func() time.Time
}

// New crea un Expirer. Si locker es nil se usa el store.
func New(cfg Config, store ports.ContractStore, locker domain.RowLocker, eng *engine.Engine, now func() time.Time) *Expirer {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if locker == nil {
		locker = store
	}
	if now == nil {
		now = time.Now
	}
	return &Expirer{cfg: cfg, store: store, locker: locker, engine: eng, now: now}
}

// Run ejecuta el ciclo hasta que el contexto se cancele.
func (x *Expirer) Run(ctx context.Context) error {
	slog.Info("expirer starting", "interval", x.cfg.Interval, "dry_run", x.cfg.DryRun)

	if _, err := x.RunOnce(ctx); err != nil {
		slog.Error("expiry cycle failed", "err", err)
		if x.cfg.DryRun {
			return err
		}
	}
	if x.cfg.DryRun {
		return nil
	}

	ticker := time.NewTicker(x.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("expirer stopped")
			return nil
		case <-ticker.C:
			if _, err := x.RunOnce(ctx); err != nil {
				slog.Error("expiry cycle failed", "err", err)
			}
		}
	}
}

// RunOnce cancela las órdenes vencidas y devuelve sus ids.
func (x *Expirer) RunOnce(ctx context.Context) ([]string, error) {
	start := time.Now()

	ids, err := x.store.ContractsWithExpiredOrders(ctx, x.now())
	if err != nil {
		return nil, fmt.Errorf("expiry.RunOnce: list contracts: %w", err)
	}

	var expired []string
	for _, id := range ids {
		if ctx.Err() != nil {
			return expired, ctx.Err()
		}
		var got []string
		err := engine.Retry(ctx, x.cfg.MaxRetries, retryBase, func() error {
			return domain.WithLockedContract(ctx, x.locker, id, func(l *domain.Locked) error {
				var err error
				got, err = x.engine.ExpireLimitBets(l)
				return err
			})
		})
		if err != nil {
			slog.Error("expire contract failed", "contract_id", id, "err", err)
			continue
		}
		expired = append(expired, got...)
	}

	slog.Info("expiry cycle complete",
		"contracts", len(ids),
		"expired", len(expired),
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return expired, nil
}
