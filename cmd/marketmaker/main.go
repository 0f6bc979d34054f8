package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/alejandrodnm/marketmaker/config"
	"github.com/alejandrodnm/marketmaker/internal/adapters/lock"
	"github.com/alejandrodnm/marketmaker/internal/adapters/notify"
	"github.com/alejandrodnm/marketmaker/internal/adapters/storage"
	"github.com/alejandrodnm/marketmaker/internal/application/drizzle"
	"github.com/alejandrodnm/marketmaker/internal/application/engine"
	"github.com/alejandrodnm/marketmaker/internal/application/expiry"
	"github.com/alejandrodnm/marketmaker/internal/application/trade"
	"github.com/alejandrodnm/marketmaker/internal/domain"
	"github.com/alejandrodnm/marketmaker/internal/ports"
)

// store es lo que necesita el binario de un backend de persistencia.
type store interface {
	ports.ContractStore
	ports.Ledger
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	once := flag.Bool("once", false, "run one cycle and exit")
	runDrizzle := flag.Bool("drizzle", false, "run only the subsidy drizzle loop")
	runExpire := flag.Bool("expire", false, "run only the limit order expiry loop")
	seed := flag.Bool("seed", false, "create demo contracts and fund demo users, then exit")
	bet := flag.String("bet", "", "place a bet: contract[/answer]:YES|NO:amount[:limit]")
	sell := flag.String("sell", "", "sell shares: contract[/answer]:YES|NO[:shares]")
	cancelOrder := flag.String("cancel", "", "cancel a limit order: contract:bet_id")
	balance := flag.Bool("balance", false, "print the balance of -user and exit")
	user := flag.String("user", "alice", "user id for -bet, -sell, -cancel and -balance")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	logFormat := flag.String("format", "", "log format: text|json (overrides config)")
	table := flag.Bool("table", false, "print full fill tables (default: compact 1-line)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		os.Exit(1)
	}

	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	setupLogger(cfg.Log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	slog.Info("marketmaker starting",
		"config", *configPath,
		"storage", cfg.Storage.Driver,
		"redis_lock", cfg.Lock.RedisAddr != "",
		"once", *once,
	)

	st, err := openStore(ctx, cfg.Storage)
	if err != nil {
		slog.Error("failed to open storage", "err", err, "driver", cfg.Storage.Driver)
		os.Exit(1)
	}
	defer st.Close()

	var locker domain.RowLocker = st
	if cfg.Lock.RedisAddr != "" {
		rl, err := lock.NewRedisLocker(ctx, lock.Config{
			Addr:     cfg.Lock.RedisAddr,
			Password: cfg.Lock.RedisPassword,
			DB:       cfg.Lock.RedisDB,
			TLS:      cfg.Lock.TLS,
			TTL:      cfg.LockTTL(),
			Wait:     cfg.LockWait(),
		}, st)
		if err != nil {
			slog.Error("failed to connect redis lock", "err", err, "addr", cfg.Lock.RedisAddr)
			os.Exit(1)
		}
		defer rl.Close()
		locker = rl
	}

	eng := engine.New(engineConfig(cfg.Engine))
	notifier := notify.NewConsole(*table)

	switch {
	case *seed:
		err = runSeed(ctx, st)
	case *balance:
		err = printBalance(ctx, st, *user)
	case *bet != "":
		svc := trade.New(trade.Config{MaxRetries: cfg.Engine.MaxRetries}, locker, eng, notifier)
		err = runBet(ctx, svc, *user, *bet)
	case *sell != "":
		svc := trade.New(trade.Config{MaxRetries: cfg.Engine.MaxRetries}, locker, eng, notifier)
		err = runSell(ctx, svc, *user, *sell)
	case *cancelOrder != "":
		svc := trade.New(trade.Config{MaxRetries: cfg.Engine.MaxRetries}, locker, eng, notifier)
		err = runCancel(ctx, svc, *user, *cancelOrder)
	default:
		err = runLoops(ctx, cfg, st, locker, eng, notifier, *once, *runDrizzle, *runExpire)
	}
	if err != nil {
		slog.Error("marketmaker exited with error", "err", err)
		os.Exit(1)
	}

	slog.Info("marketmaker stopped cleanly")
}

// runLoops corre el drizzle y el vencimiento de órdenes. Sin -drizzle ni
// -expire corren los dos.
func runLoops(ctx context.Context, cfg *config.Config, st store, locker domain.RowLocker, eng *engine.Engine, notifier ports.Notifier, once, onlyDrizzle, onlyExpire bool) error {
	both := !onlyDrizzle && !onlyExpire
	g, gctx := errgroup.WithContext(ctx)

	if onlyDrizzle || both {
		d := drizzle.New(drizzle.Config{
			Interval:   cfg.DrizzleInterval(),
			Workers:    cfg.Drizzle.Workers,
			PerSecond:  cfg.Drizzle.PerSecond,
			MaxRetries: cfg.Engine.MaxRetries,
			DryRun:     once,
		}, st, locker, eng, notifier, rand.Float64)
		g.Go(func() error { return d.Run(gctx) })
	}
	if onlyExpire || both {
		x := expiry.New(expiry.Config{
			Interval:   cfg.ExpiryInterval(),
			MaxRetries: cfg.Engine.MaxRetries,
			DryRun:     once,
		}, st, locker, eng, nil)
		g.Go(func() error { return x.Run(gctx) })
	}
	return g.Wait()
}

func openStore(ctx context.Context, cfg config.StorageConfig) (store, error) {
	switch cfg.Driver {
	case "postgres":
		pg, err := storage.NewPostgresStorage(ctx, cfg.DSN, cfg.MaxConns)
		if err != nil {
			return nil, err
		}
		return pg, nil
	case "sqlite":
		lite, err := storage.NewSQLiteStorage(cfg.DSN)
		if err != nil {
			return nil, err
		}
		return lite, nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}

func engineConfig(cfg config.EngineConfig) engine.Config {
	return engine.Config{
		Band: domain.Band{Min: cfg.MinProb, Max: cfg.MaxProb},
		Fees: domain.FeeSchedule{
			TakerRate:      cfg.FeeRate,
			CreatorShare:   cfg.CreatorShare,
			LiquidityShare: cfg.LiquidityShare,
		},
		PlatformUserID:    cfg.PlatformUserID,
		ThinMarketBettors: cfg.ThinMarketBettors,
	}
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
