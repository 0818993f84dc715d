package cache

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// expiryLen prefixes every stored value with its expiry in unix nanoseconds.
// Zero means the entry only expires with the bucket TTL.
const expiryLen = 8

// NATS stores cache entries in a JetStream KeyValue bucket. Keys must
// match the KeyValue key syntax, so use dots rather than colons. The
// per-call ttl is stored with the value; the bucket TTL bounds every entry.
type NATS struct {
	kv  nats.KeyValue
	now func() time.Time
}

// NewNATS binds to bucket, creating it with ttl when missing.
func NewNATS(js nats.JetStreamContext, bucket string, ttl time.Duration) (*NATS, error) {
	if js == nil {
		return nil, errors.New("jetstream context is required")
	}
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}

	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      bucket,
			Description: "trionyx cache and locks",
			TTL:         ttl,
			History:     1,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("bind key value bucket %s: %w", bucket, err)
	}
	return &NATS{kv: kv, now: time.Now}, nil
}

func (n *NATS) encode(value []byte, ttl time.Duration) []byte {
	out := make([]byte, expiryLen, expiryLen+len(value))
	if ttl > 0 {
		binary.BigEndian.PutUint64(out, uint64(n.now().Add(ttl).UnixNano()))
	}
	return append(out, value...)
}

// decode splits a stored value and reports whether it is still live.
func (n *NATS) decode(raw []byte) ([]byte, bool) {
	if len(raw) < expiryLen {
		return nil, false
	}
	if at := binary.BigEndian.Uint64(raw[:expiryLen]); at != 0 && n.now().UnixNano() >= int64(at) {
		return nil, false
	}
	return raw[expiryLen:], true
}

// Add implements Cache. A live revision blocks the add; an expired one is
// replaced with a revision-checked update so only one caller wins.
func (n *NATS) Add(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	data := n.encode(value, ttl)
	_, err := n.kv.Create(key, data)
	switch {
	case err == nil:
		return true, nil
	case !errors.Is(err, nats.ErrKeyExists):
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	entry, err := n.kv.Get(key)
	if errors.Is(err, nats.ErrKeyNotFound) {
		// Released between the two calls.
		return n.create(key, data)
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if _, live := n.decode(entry.Value()); live {
		return false, nil
	}
	_, err = n.kv.Update(key, data, entry.Revision())
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, nats.ErrKeyExists):
		return false, nil
	default:
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}

func (n *NATS) create(key string, data []byte) (bool, error) {
	_, err := n.kv.Create(key, data)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, nats.ErrKeyExists):
		return false, nil
	default:
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}

// Get implements Cache.
func (n *NATS) Get(_ context.Context, key string) ([]byte, bool, error) {
	entry, err := n.kv.Get(key)
	switch {
	case err == nil:
		value, live := n.decode(entry.Value())
		return value, live, nil
	case errors.Is(err, nats.ErrKeyNotFound):
		return nil, false, nil
	default:
		return nil, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}

// Set implements Cache.
func (n *NATS) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if _, err := n.kv.Put(key, n.encode(value, ttl)); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Delete implements Cache.
func (n *NATS) Delete(_ context.Context, key string) error {
	if err := n.kv.Delete(key); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
