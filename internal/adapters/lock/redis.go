// Package lock agrega un lock distribuido por contrato delante del store,
// para cuando varios procesos del motor comparten la misma base.
package lock

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/marketmaker/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// unlockLua borra la clave sólo si sigue siendo nuestra.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// Config de la conexión y del lock.
type Config struct {
	Addr     string
	Password string
	DB       int
	TLS      bool
	TTL      time.Duration // vida máxima del lock si el proceso muere
	Wait     time.Duration // cuánto esperar a que se libere antes de rendirse
}

// RedisLocker toma SETNX lock:contract:<id> y recién entonces delega en el
// RowLocker del store. Si el lock está tomado más de Wait devuelve
// domain.ErrTransient para que la transacción se reintente entera.
type RedisLocker struct {
	rdb    *redis.Client
	next   domain.RowLocker
	unlock *redis.Script
	ttl    time.Duration
	wait   time.Duration
	poll   time.Duration
}

// NewRedisLocker conecta, verifica con PING y envuelve next.
func NewRedisLocker(ctx context.Context, cfg Config, next domain.RowLocker) (*RedisLocker, error) {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("lock.NewRedisLocker: ping %s: %w", cfg.Addr, err)
	}
	return newRedisLocker(rdb, cfg, next), nil
}

func newRedisLocker(rdb *redis.Client, cfg Config, next domain.RowLocker) *RedisLocker {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	wait := cfg.Wait
	if wait <= 0 {
		wait = 2 * time.Second
	}
	return &RedisLocker{
		rdb:    rdb,
		next:   next,
		unlock: redis.NewScript(unlockLua),
		ttl:    ttl,
		wait:   wait,
		poll:   25 * time.Millisecond,
	}
}

func lockKey(contractID string) string {
	return "lock:contract:" + contractID
}

// LockContract implementa domain.RowLocker.
func (l *RedisLocker) LockContract(ctx context.Context, contractID string, fn func(domain.ContractTx) error) error {
	release, err := l.acquire(ctx, contractID)
	if err != nil {
		return err
	}
	defer release()
	return l.next.LockContract(ctx, contractID, fn)
}

func (l *RedisLocker) acquire(ctx context.Context, contractID string) (func(), error) {
	key := lockKey(contractID)
	token := uuid.NewString()
	deadline := time.Now().Add(l.wait)

	for {
		ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("lock.LockContract: acquire %s: %w: %w", contractID, domain.ErrTransient, err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("lock.LockContract: %s held by another process: %w", contractID, domain.ErrTransient)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.poll):
		}
	}

	return func() { l.release(contractID, token) }, nil
}

// release suelta el lock si sigue siendo nuestro. Si falla, la clave vence
// sola al cumplirse el TTL.
func (l *RedisLocker) release(contractID, token string) {
	// contexto propio: el del caller puede estar cancelado
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.unlock.Run(ctx, l.rdb, []string{lockKey(contractID)}, token).Err(); err != nil {
		slog.Warn("lock release failed", "contract_id", contractID, "ttl", l.ttl, "err", err)
	}
}

// Close cierra la conexión a Redis.
func (l *RedisLocker) Close() error {
	return l.rdb.Close()
}
