package worker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smallbiznis/chatpoints/internal/config"
	"github.com/smallbiznis/chatpoints/internal/ratelimit"
	"github.com/smallbiznis/chatpoints/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrLockNotAcquired = errors.New("worker_lock_not_acquired")
	ErrLockLost        = errors.New("worker_lock_lost")
)

const (
	LockBackendPostgres = "postgres"
	LockBackendRedis    = "redis"
	LockBackendLocal    = "local"

	defaultLeaseTTL = 30 * time.Second
)

// Lock guarantees a single active worker per deployment.
type Lock interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
	IsHeld() bool
	// Heartbeat confirms the lock is still owned and extends it where the
	// backend needs that. It returns ErrLockLost once ownership is gone.
	Heartbeat(ctx context.Context) error
	Name() string
}

// PostgresLock holds a session-level advisory lock on a pinned connection.
// The lock lives as long as that connection does.
type PostgresLock struct {
	db  *gorm.DB
	key int64

	mu   sync.Mutex
	conn *sql.Conn
	held atomic.Bool
}

func NewPostgresLock(conn *gorm.DB, key int64) *PostgresLock {
	return &PostgresLock{db: conn, key: key}
}

func (l *PostgresLock) Name() string { return LockBackendPostgres }

func (l *PostgresLock) Acquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		return l.held.Load(), nil
	}

	sqlDB, err := l.db.DB()
	if err != nil {
		return false, err
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("pin lock connection: %w", err)
	}
	var ok bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, l.key).Scan(&ok); err != nil {
		_ = conn.Close()
		return false, err
	}
	if !ok {
		_ = conn.Close()
		return false, nil
	}
	l.conn = conn
	l.held.Store(true)
	return true, nil
}

func (l *PostgresLock) Heartbeat(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil || !l.held.Load() {
		return ErrLockLost
	}
	if err := l.conn.PingContext(ctx); err != nil {
		l.held.Store(false)
		_ = l.conn.Close()
		l.conn = nil
		return fmt.Errorf("%w: %v", ErrLockLost, err)
	}
	return nil
}

func (l *PostgresLock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	defer func() {
		_ = l.conn.Close()
		l.conn = nil
		l.held.Store(false)
	}()
	_, err := l.conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, l.key)
	return err
}

func (l *PostgresLock) IsHeld() bool { return l.held.Load() }

// RedisLock is a token lease that the heartbeat keeps alive.
type RedisLock struct {
	locker *ratelimit.Locker
	key    string
	ttl    time.Duration

	mu    sync.Mutex
	token string
	held  atomic.Bool
}

func NewRedisLock(locker *ratelimit.Locker, key string, ttl time.Duration) *RedisLock {
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}
	return &RedisLock{locker: locker, key: key, ttl: ttl}
}

func (l *RedisLock) Name() string { return LockBackendRedis }

func (l *RedisLock) Acquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held.Load() {
		return true, nil
	}
	token, ok, err := l.locker.TryLock(ctx, l.key, l.ttl)
	if err != nil || !ok {
		return false, err
	}
	l.token = token
	l.held.Store(true)
	return true, nil
}

func (l *RedisLock) Heartbeat(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held.Load() {
		return ErrLockLost
	}
	ok, err := l.locker.Refresh(ctx, l.key, l.token, l.ttl)
	if err != nil {
		// A redis blip is not proof that another worker took over.
		return err
	}
	if !ok {
		l.held.Store(false)
		l.token = ""
		return ErrLockLost
	}
	return nil
}

func (l *RedisLock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.token == "" {
		return nil
	}
	err := l.locker.Release(ctx, l.key, l.token)
	l.token = ""
	l.held.Store(false)
	return err
}

func (l *RedisLock) IsHeld() bool { return l.held.Load() }

// LocalLock only excludes workers inside one process. It backs sqlite
// development setups where there is no shared lock service.
type LocalLock struct {
	held atomic.Bool
}

func NewLocalLock() *LocalLock { return &LocalLock{} }

func (l *LocalLock) Name() string { return LockBackendLocal }

func (l *LocalLock) Acquire(context.Context) (bool, error) {
	return l.held.CompareAndSwap(false, true), nil
}

func (l *LocalLock) Heartbeat(context.Context) error {
	if !l.held.Load() {
		return ErrLockLost
	}
	return nil
}

func (l *LocalLock) Release(context.Context) error {
	l.held.Store(false)
	return nil
}

func (l *LocalLock) IsHeld() bool { return l.held.Load() }

type LockParams struct {
	fx.In

	DB     *gorm.DB
	Config config.Config
	Log    *zap.Logger
	Locker *ratelimit.Locker `optional:"true"`
}

func redisLockKey(key int64) string {
	return fmt.Sprintf("chat:worker:lock:%d", key)
}

// ProvideLock picks the lock backend from WORKER_LOCK_BACKEND. A postgres
// backend on a non-postgres database falls back to a process-local lock.
func ProvideLock(p LockParams) (Lock, error) {
	w := p.Config.Worker
	backend := strings.ToLower(strings.TrimSpace(w.LockBackend))
	switch backend {
	case "", LockBackendPostgres:
		if db.IsPostgres(p.DB) {
			return NewPostgresLock(p.DB, w.LockKey), nil
		}
		if p.Log != nil {
			p.Log.Warn("worker.lock.fallback",
				zap.String("requested", LockBackendPostgres),
				zap.String("backend", LockBackendLocal),
				zap.String("dialect", p.DB.Dialector.Name()),
			)
		}
		return NewLocalLock(), nil
	case LockBackendRedis:
		if p.Locker == nil {
			return nil, errors.New("redis worker lock requires a redis client")
		}
		return NewRedisLock(p.Locker, redisLockKey(w.LockKey), defaultLeaseTTL), nil
	case LockBackendLocal:
		return NewLocalLock(), nil
	default:
		return nil, fmt.Errorf("unknown worker lock backend %q", w.LockBackend)
	}
}
