package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/walletledger/internal/ledger"
)

const keyPrefix = "idempotency:v1:"

// State is the lifecycle state of a record.
type State string

const (
	StatePending   State = "pending"
	StateCompleted State = "completed"
)

// Record maps an idempotency key to the movement it produced. Pending records
// expire at the reservation deadline, completed ones at the end of the TTL.
type Record struct {
	Key         string          `json:"key"`
	PayloadHash string          `json:"payload_hash"`
	Token       string          `json:"token"`
	State       State           `json:"state"`
	MovementID  string          `json:"movement_id,omitempty"`
	Result      *ledger.Receipt `json:"result,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
}

// Backend persists idempotency records.
type Backend interface {
	// Create stores rec unless a live record exists for its key, which is returned instead.
	Create(ctx context.Context, rec Record) (existing Record, created bool, err error)
	// Complete overwrites the record for rec.Key unconditionally.
	Complete(ctx context.Context, rec Record) error
	// Delete removes the record only while it still carries token.
	Delete(ctx context.Context, key, token string) (bool, error)
	// Reap drops pending records whose deadline passed and returns how many.
	Reap(ctx context.Context, now time.Time) (int, error)
}

// MemoryBackend keeps records in process memory. Expired records are ignored on
// read and removed by Reap.
type MemoryBackend struct {
	mu      sync.Mutex
	records map[string]Record
	now     func() time.Time
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: make(map[string]Record), now: time.Now}
}

func (b *MemoryBackend) Create(_ context.Context, rec Record) (Record, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.records[rec.Key]; ok && cur.ExpiresAt.After(b.now()) {
		return cur, false, nil
	}
	b.records[rec.Key] = rec
	return Record{}, true, nil
}

func (b *MemoryBackend) Complete(_ context.Context, rec Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records[rec.Key] = rec
	return nil
}

func (b *MemoryBackend) Delete(_ context.Context, key, token string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur, ok := b.records[key]
	if !ok || cur.Token != token {
		return false, nil
	}
	delete(b.records, key)
	return true, nil
}

func (b *MemoryBackend) Reap(_ context.Context, now time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	reaped := 0
	for key, rec := range b.records {
		if rec.ExpiresAt.After(now) {
			continue
		}
		delete(b.records, key)
		if rec.State == StatePending {
			reaped++
		}
	}
	return reaped, nil
}

// reserveScript creates the record hash unless the key exists, returning the
// existing payload in that case and nil otherwise.
// KEYS[1] record key, ARGV[1] token, ARGV[2] payload, ARGV[3] ttl in ms.
var reserveScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return redis.call('HGET', KEYS[1], 'data')
end
redis.call('HSET', KEYS[1], 'token', ARGV[1], 'data', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return false
`)

// releaseScript deletes the record only while the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'token') == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisBackend shares records across instances. Redis expires records itself,
// so stale reservations need no reaping.
type RedisBackend struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client, now: time.Now}
}

func (b *RedisBackend) Create(ctx context.Context, rec Record) (Record, bool, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return Record{}, false, err
	}
	raw, err := reserveScript.Run(ctx, b.client, []string{keyPrefix + rec.Key}, rec.Token, payload, b.ttl(rec).Milliseconds()).Text()
	if errors.Is(err, redis.Nil) {
		return Record{}, true, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("idempotency reserve: %w", err)
	}
	var existing Record
	if err := json.Unmarshal([]byte(raw), &existing); err != nil {
		return Record{}, false, fmt.Errorf("idempotency decode: %w", err)
	}
	return existing, false, nil
}

func (b *RedisBackend) Complete(ctx context.Context, rec Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	key := keyPrefix + rec.Key
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, "token", rec.Token, "data", payload)
		pipe.PExpire(ctx, key, b.ttl(rec))
		return nil
	})
	if err != nil {
		return fmt.Errorf("idempotency complete: %w", err)
	}
	return nil
}

func (b *RedisBackend) Delete(ctx context.Context, key, token string) (bool, error) {
	n, err := releaseScript.Run(ctx, b.client, []string{keyPrefix + key}, token).Int()
	if err != nil {
		return false, fmt.Errorf("idempotency release: %w", err)
	}
	return n > 0, nil
}

func (b *RedisBackend) Reap(context.Context, time.Time) (int, error) {
	return 0, nil
}

func (b *RedisBackend) ttl(rec Record) time.Duration {
	ttl := rec.ExpiresAt.Sub(b.now())
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}
	return ttl
}
