// Package drizzle corre el ciclo periódico que inyecta el subsidio pendiente
// de cada contrato en sus pools.
package drizzle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/alejandrodnm/marketmaker/internal/application/engine"
	"github.com/alejandrodnm/marketmaker/internal/domain"
	"github.com/alejandrodnm/marketmaker/internal/ports"
)

const (
	defaultInterval   = 7 * time.Minute
	defaultWorkers    = 4
	defaultMaxRetries = 3
	retryBase         = 50 * time.Millisecond
)

// Config contiene la configuración del drizzler.
type Config struct {
	Interval   time.Duration
	Workers    int     // contratos procesados en paralelo
	PerSecond  float64 // tope de contratos por segundo (0 = sin tope)
	MaxRetries int
	DryRun     bool // un solo ciclo
}

// Drizzler recorre los contratos con subsidio y los procesa cada uno bajo su
// propio lock.
type Drizzler struct {
	cfg      Config
	store    ports.ContractStore
	locker   domain.RowLocker
	engine   *engine.Engine
	notifier ports.Notifier
	limiter  *rate.Limiter

	mu   sync.Mutex
	draw func() float64
}

// New crea un Drizzler. locker puede envolver al store (lock distribuido);
// si es nil se usa el store. draw devuelve números en [0,1) y se llama
// serializado.
func New(cfg Config, store ports.ContractStore, locker domain.RowLocker, eng *engine.Engine, notifier ports.Notifier, draw func() float64) *Drizzler {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if locker == nil {
		locker = store
	}
	limit := rate.Inf
	if cfg.PerSecond > 0 {
		limit = rate.Limit(cfg.PerSecond)
	}
	return &Drizzler{
		cfg:      cfg,
		store:    store,
		locker:   locker,
		engine:   eng,
		notifier: notifier,
		limiter:  rate.NewLimiter(limit, 1),
		draw:     draw,
	}
}

// Run ejecuta el ciclo hasta que el contexto se cancele.
func (d *Drizzler) Run(ctx context.Context) error {
	slog.Info("drizzler starting",
		"interval", d.cfg.Interval,
		"workers", d.cfg.Workers,
		"dry_run", d.cfg.DryRun,
	)

	if _, err := d.RunOnce(ctx); err != nil {
		slog.Error("drizzle cycle failed", "err", err)
		if d.cfg.DryRun {
			return err
		}
	}
	if d.cfg.DryRun {
		return nil
	}

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("drizzler stopped")
			return nil
		case <-ticker.C:
			if _, err := d.RunOnce(ctx); err != nil {
				slog.Error("drizzle cycle failed", "err", err)
			}
		}
	}
}

// RunOnce procesa todos los contratos con subsidio pendiente. Un contrato
// que falla se loguea y no frena al resto.
func (d *Drizzler) RunOnce(ctx context.Context) ([]domain.DrizzleOutcome, error) {
	start := time.Now()

	ids, err := d.store.ContractsWithSubsidy(ctx)
	if err != nil {
		return nil, fmt.Errorf("drizzle.RunOnce: list contracts: %w", err)
	}

	var (
		mu       sync.Mutex
		outcomes []domain.DrizzleOutcome
		failed   int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Workers)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := d.limiter.Wait(gctx); err != nil {
				return err
			}
			out, err := d.contract(gctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				slog.Error("drizzle contract failed", "contract_id", id, "err", err)
				return nil
			}
			outcomes = append(outcomes, out...)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return outcomes, fmt.Errorf("drizzle.RunOnce: %w", err)
	}

	if d.notifier != nil && len(outcomes) > 0 {
		if err := d.notifier.NotifyDrizzle(ctx, outcomes); err != nil {
			slog.Warn("notifier error", "err", err)
		}
	}

	injected := 0.0
	for _, o := range outcomes {
		injected += o.Injected
	}
	slog.Info("drizzle cycle complete",
		"contracts", len(ids),
		"pools", len(outcomes),
		"failed", failed,
		"injected", fmt.Sprintf("%.4f", injected),
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return outcomes, nil
}

func (d *Drizzler) contract(ctx context.Context, id string) ([]domain.DrizzleOutcome, error) {
	var out []domain.DrizzleOutcome
	err := engine.Retry(ctx, d.cfg.MaxRetries, retryBase, func() error {
		return domain.WithLockedContract(ctx, d.locker, id, func(l *domain.Locked) error {
			var err error
			out, err = d.engine.Drizzle(l, d.next)
			return err
		})
	})
	return out, err
}

func (d *Drizzler) next() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.draw()
}
