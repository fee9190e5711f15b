package natskv

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Responses stores idempotency responses in a JetStream KV bucket. The
// bucket TTL only collects garbage; each value carries its own expiry so a
// short claim and a long-lived response can share one bucket.
type Responses struct {
	kv  jetstream.KeyValue
	now func() time.Time
}

type envelope struct {
	ExpiresAt time.Time `json:"expires_at"`
	Value     []byte    `json:"value"`
}

// NewResponses creates a response store on kv.
func NewResponses(kv jetstream.KeyValue) *Responses {
	return &Responses{kv: kv, now: time.Now}
}

func (r *Responses) Get(ctx context.Context, key string) ([]byte, bool, error) {
	env, _, found, err := r.load(ctx, key)
	if err != nil || !found || r.expired(env) {
		return nil, false, err
	}
	return env.Value, true, nil
}

func (r *Responses) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	data, err := r.encode(value, ttl)
	if err != nil {
		return err
	}
	if _, err := r.kv.Put(ctx, kvKey(key), data); err != nil {
		return fmt.Errorf("natskv put %s: %w", key, err)
	}
	return nil
}

// SetIfAbsent creates key, or takes over an expired value with a
// revision-checked update so only one of several racing callers wins.
func (r *Responses) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	data, err := r.encode(value, ttl)
	if err != nil {
		return false, err
	}
	k := kvKey(key)
	_, err = r.kv.Create(ctx, k, data)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, jetstream.ErrKeyExists) {
		return false, fmt.Errorf("natskv create %s: %w", key, err)
	}

	env, rev, found, err := r.load(ctx, key)
	if err != nil {
		return false, err
	}
	if !found || !r.expired(env) {
		return false, nil
	}
	if _, err := r.kv.Update(ctx, k, data, rev); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return false, nil
		}
		return false, fmt.Errorf("natskv update %s: %w", key, err)
	}
	return true, nil
}

func (r *Responses) Delete(ctx context.Context, key string) error {
	if err := r.kv.Delete(ctx, kvKey(key)); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("natskv delete %s: %w", key, err)
	}
	return nil
}

func (r *Responses) load(ctx context.Context, key string) (envelope, uint64, bool, error) {
	kve, err := r.kv.Get(ctx, kvKey(key))
	if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
		return envelope{}, 0, false, nil
	}
	if err != nil {
		return envelope{}, 0, false, fmt.Errorf("natskv get %s: %w", key, err)
	}
	var env envelope
	if err := json.Unmarshal(kve.Value(), &env); err != nil {
		return envelope{}, 0, false, fmt.Errorf("natskv decode %s: %w", key, err)
	}
	return env, kve.Revision(), true, nil
}

func (r *Responses) encode(value []byte, ttl time.Duration) ([]byte, error) {
	data, err := json.Marshal(envelope{ExpiresAt: r.now().Add(ttl).UTC(), Value: value})
	if err != nil {
		return nil, fmt.Errorf("natskv encode: %w", err)
	}
	return data, nil
}

func (r *Responses) expired(env envelope) bool {
	return !r.now().Before(env.ExpiresAt)
}

// kvKey maps an idempotency key onto the KV key alphabet, which rejects
// ':' and the free-form characters clients may send.
func kvKey(key string) string {
	return hex.EncodeToString([]byte(key))
}
