package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"dfm/pkg/broker"
)

// ErrNotBuilder is returned by Put/Seal when the caller does not hold the
// builder lock for the fingerprint it is trying to write.
var ErrNotBuilder = errors.New("cache: caller does not hold the builder lock")

// ErrOutOfOrder is returned by Put when value_index is not the next
// contiguous index for the fingerprint's stream.
var ErrOutOfOrder = errors.New("cache: value index is not the next contiguous index")

// Value is one entry of a fingerprint's value stream. Large payloads are
// stored by reference: Data is empty and BlobURI points into the blob
// backend instead.
type Value struct {
	Index   int    `json:"index"`
	Data    []byte `json:"data,omitempty"`
	BlobURI string `json:"blob_uri,omitempty"`
}

// FingerprintCache is the content-addressable cache described by the
// system's "at most one producer, monotonic append, durable seal" contract.
// Redis (via broker.Client) holds the value-stream index and sealed flag;
// a BlobStore optionally holds large payloads by reference.
type FingerprintCache struct {
	broker   *broker.Client
	blob     BlobStore
	lockTTL  time.Duration
	maxBytes int64
}

// NewFingerprintCache constructs a FingerprintCache. lockTTL must exceed the
// largest expected adapter runtime so a crashed builder's lock always
// expires before a correct one would have finished. maxBytes is the
// eviction byte budget; zero disables eviction.
func NewFingerprintCache(b *broker.Client, blob BlobStore, lockTTL time.Duration, maxBytes int64) *FingerprintCache {
	return &FingerprintCache{broker: b, blob: blob, lockTTL: lockTTL, maxBytes: maxBytes}
}

func valuesKey(fp string) string { return "cache:" + fp + ":values" }
func sealedKey(fp string) string { return "cache:" + fp + ":sealed" }
func lockKey(fp string) string   { return "cache:lock:" + fp }
func sealChannel(fp string) string { return "cache:sealed:" + fp }

// Get returns the current value stream for fingerprint and whether it is
// sealed (complete). An empty, unsealed result means either a true miss or
// a build in progress; callers distinguish the two with TryBuild.
func (fc *FingerprintCache) Get(ctx context.Context, fingerprint string) ([]Value, bool, error) {
	raw, err := fc.broker.ListRange(ctx, valuesKey(fingerprint), 0, -1)
	if err != nil {
		return nil, false, err
	}

	values := make([]Value, 0, len(raw))
	for _, r := range raw {
		var v Value
		if err := json.Unmarshal(r, &v); err != nil {
			return nil, false, fmt.Errorf("cache: decode value: %w", err)
		}
		values = append(values, v)
	}

	_, sealed, err := fc.broker.StringGet(ctx, sealedKey(fingerprint))
	if err != nil {
		return nil, false, err
	}

	if sealed && len(values) > 0 {
		fc.touch(ctx, fingerprint)
	}

	return values, sealed, nil
}

// TryBuild attempts to atomically become the single producer for
// fingerprint. If it returns false, another owner already holds the lock;
// the caller should WaitSealed and then Get instead of computing the value.
func (fc *FingerprintCache) TryBuild(ctx context.Context, fingerprint, ownerID string) (bool, error) {
	return fc.broker.ClaimTTL(ctx, lockKey(fingerprint), ownerID, fc.lockTTL)
}

// Put appends value at valueIndex to fingerprint's stream. valueIndex must
// equal the current stream length (monotonic, contiguous, starting at 0).
// Payloads larger than blobInlineThreshold are written to the blob backend and
// stored by reference.
func (fc *FingerprintCache) Put(ctx context.Context, fingerprint, ownerID string, valueIndex int, data []byte) error {
	if err := fc.broker.Renew(ctx, lockKey(fingerprint), ownerID, fc.lockTTL); err != nil {
		return ErrNotBuilder
	}

	n, err := fc.broker.ListLen(ctx, valuesKey(fingerprint))
	if err != nil {
		return err
	}
	if int(n) != valueIndex {
		return ErrOutOfOrder
	}

	v := Value{Index: valueIndex}
	if fc.blob != nil && len(data) > blobInlineThreshold {
		uri, err := fc.blob.Put(ctx, fmt.Sprintf("%s:%d", fingerprint, valueIndex), data)
		if err != nil {
			return fmt.Errorf("cache: write blob: %w", err)
		}
		v.BlobURI = uri
	} else {
		v.Data = data
	}

	encoded, err := json.Marshal(v)
	if err != nil {
		return err
	}

	if err := fc.broker.ListAppend(ctx, valuesKey(fingerprint), encoded); err != nil {
		return err
	}

	if fc.maxBytes > 0 {
		if _, err := fc.broker.IncrBy(ctx, "cache:total_bytes", int64(len(data))); err != nil {
			return err
		}
		if _, err := fc.broker.HashIncrBy(ctx, "cache:sizes", fingerprint, int64(len(data))); err != nil {
			return err
		}
	}

	return nil
}

// ReadBlob resolves a Value's payload, fetching it from the blob backend
// when it was stored by reference.
func (fc *FingerprintCache) ReadBlob(ctx context.Context, v Value) ([]byte, error) {
	if v.BlobURI == "" {
		return v.Data, nil
	}
	if fc.blob == nil {
		return nil, fmt.Errorf("cache: value %d stored by reference but no blob backend configured", v.Index)
	}
	return fc.blob.Get(ctx, v.BlobURI)
}

// Seal marks fingerprint's stream complete, notifies waiters, and releases
// the builder lock. Only the current lock holder may seal.
func (fc *FingerprintCache) Seal(ctx context.Context, fingerprint, ownerID string) error {
	if err := fc.broker.Renew(ctx, lockKey(fingerprint), ownerID, fc.lockTTL); err != nil {
		return ErrNotBuilder
	}

	if err := fc.broker.StringSet(ctx, sealedKey(fingerprint), "1", 0); err != nil {
		return err
	}

	if err := fc.broker.Publish(ctx, sealChannel(fingerprint), "sealed"); err != nil {
		return err
	}

	fc.touch(ctx, fingerprint)

	// Best-effort: the lock's TTL would expire this anyway, but releasing
	// promptly lets a future rebuild (after Invalidate) start immediately.
	return fc.broker.Release(ctx, lockKey(fingerprint), ownerID)
}

// WaitSealed blocks until fingerprint is sealed or timeout elapses,
// returning context.DeadlineExceeded-compatible error on timeout. Callers
// that lost the TryBuild race use this before re-reading with Get.
func (fc *FingerprintCache) WaitSealed(ctx context.Context, fingerprint string, timeout time.Duration) error {
	_, sealed, err := fc.broker.StringGet(ctx, sealedKey(fingerprint))
	if err != nil {
		return err
	}
	if sealed {
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sub := fc.broker.Subscribe(waitCtx, sealChannel(fingerprint))
	defer sub.Close()

	if _, err := sub.Receive(waitCtx); err != nil {
		return err
	}

	// A seal may have landed between our first StringGet and the
	// subscription taking effect; check once more before blocking.
	_, sealed, err = fc.broker.StringGet(ctx, sealedKey(fingerprint))
	if err != nil {
		return err
	}
	if sealed {
		return nil
	}

	select {
	case <-sub.Channel():
		return nil
	case <-waitCtx.Done():
		return waitCtx.Err()
	}
}

// Invalidate discards fingerprint's entire cache record: its value stream,
// sealed flag, and any held builder lock.
func (fc *FingerprintCache) Invalidate(ctx context.Context, fingerprint string) error {
	if fc.maxBytes > 0 {
		sizeStr, ok, err := fc.broker.HashGet(ctx, "cache:sizes", fingerprint)
		if err != nil {
			return err
		}
		if ok {
			var size int64
			fmt.Sscanf(sizeStr, "%d", &size)
			if _, err := fc.broker.IncrBy(ctx, "cache:total_bytes", -size); err != nil {
				return err
			}
			if err := fc.broker.HashFieldDel(ctx, "cache:sizes", fingerprint); err != nil {
				return err
			}
		}
		if err := fc.broker.SortedSetRem(ctx, "cache:lru", fingerprint); err != nil {
			return err
		}
	}
	return fc.broker.Delete(ctx, valuesKey(fingerprint), sealedKey(fingerprint), lockKey(fingerprint))
}

// blobInlineThreshold is the payload size above which Put writes to the
// blob backend by reference instead of inlining bytes into the Redis list.
const blobInlineThreshold = 64 * 1024

func (fc *FingerprintCache) touch(ctx context.Context, fingerprint string) {
	if fc.maxBytes <= 0 {
		return
	}
	_ = fc.broker.SortedSetAdd(ctx, "cache:lru", float64(time.Now().UnixNano()), fingerprint)
}

// Evict discards least-recently-read sealed entries until the approximate
// total byte count tracked across Put calls is at or below maxBytes.
// Unsealed (in-progress) entries are never evicted.
func (fc *FingerprintCache) Evict(ctx context.Context) (evicted int, err error) {
	if fc.maxBytes <= 0 {
		return 0, nil
	}

	for {
		totalStr, ok, err := fc.broker.StringGet(ctx, "cache:total_bytes")
		if err != nil {
			return evicted, err
		}
		if !ok {
			return evicted, nil
		}
		var total int64
		fmt.Sscanf(totalStr, "%d", &total)
		if total <= fc.maxBytes {
			return evicted, nil
		}

		victims, err := fc.broker.SortedSetPopMin(ctx, "cache:lru", 1)
		if err != nil {
			return evicted, err
		}
		if len(victims) == 0 {
			return evicted, nil
		}

		if err := fc.Invalidate(ctx, victims[0]); err != nil {
			return evicted, err
		}
		evicted++
	}
}
