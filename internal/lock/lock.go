// Package lock provides a Redis-backed distributed lock used to serialise
// history processing per document and archive maintenance per project.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"papyrus/api/internal/apperr"
)

const (
	// LockTTL bounds how long a crashed holder can block other workers.
	LockTTL = 300 * time.Second
	// MaxLockWait bounds how long GetLock polls before giving up.
	MaxLockWait = 10 * time.Second
	// TestInterval is the polling period while waiting for a held lock.
	TestInterval = 50 * time.Millisecond
)

// releaseScript deletes the key only if it still holds our token, so a lock
// that expired and was re-acquired by another worker is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`)

// TokenGenerator mints lock values that identify the holding process. Tokens
// are unique per process lifetime, which makes stale holders diagnosable from
// a Redis dump.
type TokenGenerator struct {
	host  string
	pid   int
	rnd   string
	count atomic.Int64
}

func NewTokenGenerator() *TokenGenerator {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	buf := make([]byte, 4)
	_, _ = rand.Read(buf)
	return &TokenGenerator{
		host: host,
		pid:  os.Getpid(),
		rnd:  hex.EncodeToString(buf),
	}
}

func (g *TokenGenerator) Next() string {
	return fmt.Sprintf("locked:host=%s:pid=%d:random=%s:count=%d", g.host, g.pid, g.rnd, g.count.Add(1))
}

// Locker acquires and releases per-key locks in Redis.
type Locker struct {
	client redis.UniversalClient
	tokens *TokenGenerator

	// overridable for tests
	ttl      time.Duration
	maxWait  time.Duration
	interval time.Duration
}

func NewLocker(client redis.UniversalClient) *Locker {
	return &Locker{
		client:   client,
		tokens:   NewTokenGenerator(),
		ttl:      LockTTL,
		maxWait:  MaxLockWait,
		interval: TestInterval,
	}
}

// TryLock attempts a single acquisition. The returned token is empty when the
// lock is held elsewhere.
func (l *Locker) TryLock(ctx context.Context, key string) (string, error) {
	token := l.tokens.Next()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return "", apperr.Wrap(apperr.Transient, "acquire lock", err)
	}
	if !ok {
		return "", nil
	}
	return token, nil
}

// GetLock polls TryLock until it succeeds or the wait budget is exhausted.
func (l *Locker) GetLock(ctx context.Context, key string) (string, error) {
	deadline := time.Now().Add(l.maxWait)
	for {
		token, err := l.TryLock(ctx, key)
		if err != nil {
			return "", err
		}
		if token != "" {
			return token, nil
		}
		if time.Now().After(deadline) {
			return "", apperr.New(apperr.Transient, fmt.Sprintf("timeout waiting for lock %s", key))
		}
		select {
		case <-ctx.Done():
			return "", apperr.Wrap(apperr.Transient, "acquire lock", ctx.Err())
		case <-time.After(l.interval):
		}
	}
}

// ReleaseLock deletes the lock only if it still carries the given token.
func (l *Locker) ReleaseLock(ctx context.Context, key, token string) error {
	if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil {
		return apperr.Wrap(apperr.Transient, "release lock", err)
	}
	return nil
}

// RunWithLock acquires key, runs fn, and always releases, even when fn fails.
// fn's error wins over a release error.
func (l *Locker) RunWithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	token, err := l.GetLock(ctx, key)
	if err != nil {
		return err
	}
	fnErr := fn(ctx)
	releaseErr := l.ReleaseLock(ctx, key, token)
	if fnErr != nil {
		return fnErr
	}
	return releaseErr
}

// DocUpdateLockKey serialises edits to one document's live state.
func DocUpdateLockKey(docID string) string {
	return "Blocking:{" + docID + "}"
}

// HistoryLockKey serialises update processing for one document.
func HistoryLockKey(docID string) string {
	return "HistoryLock:{" + docID + "}"
}

// HistoryIndexLockKey serialises pack index maintenance for one document.
func HistoryIndexLockKey(docID string) string {
	return "HistoryIndexLock:{" + docID + "}"
}

// ArchiveLockKey serialises archive sweeps for one project.
func ArchiveLockKey(projectID string) string {
	return "ArchiveLock:{" + projectID + "}"
}
