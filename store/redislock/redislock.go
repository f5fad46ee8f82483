/*
Package redislock provides a stock.Locker shared by every process pointing
at the same Redis.

PURPOSE:
  The in-process KeyedMutex only serializes goroutines of one server. When
  several servers share one database they lock through Redis instead.

PROTOCOL:
  Lock:   SET <prefix><key> <token> NX PX <ttl>, polled until it succeeds
          or ctx is done
  Unlock: a Lua compare-and-delete, so a holder whose TTL expired can never
          release a lock someone else now owns

TTL:
  The TTL bounds how long a crashed holder blocks others. It must exceed the
  longest unit of work; the lock is not extended while held.

SEE ALSO:
  - stock/locks.go: Locker interface and the in-process KeyedMutex
*/
package redislock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultPrefix       = "stock:lock:"
	DefaultTTL          = 30 * time.Second
	DefaultPollInterval = 10 * time.Millisecond
)

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Options configures a Locker. Zero values get defaults.
type Options struct {
	Prefix       string
	TTL          time.Duration
	PollInterval time.Duration
}

// Locker implements stock.Locker on Redis.
type Locker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	poll   time.Duration
}

func New(client redis.UniversalClient, opts Options) *Locker {
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Locker{client: client, prefix: opts.Prefix, ttl: opts.TTL, poll: opts.PollInterval}
}

// Connect creates a Redis client for addr and checks it answers.
func Connect(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redislock: ping: %w", err)
	}
	return client, nil
}

// Lock blocks until key is acquired or ctx is done. The returned release
// function is safe to call more than once.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	name := l.prefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, name, token, l.ttl).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("redislock: acquire %s: %w", key, err)
		}
		if ok {
			return l.release(name, token), nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (l *Locker) release(name, token string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			// The caller's context may already be cancelled; release anyway.
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			// On failure the TTL reclaims the key.
			_ = unlockScript.Run(ctx, l.client, []string{name}, token).Err()
		})
	}
}
