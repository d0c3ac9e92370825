package history

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/petrijr/durable/pkg/api"
)

// RetryConfig bounds the retries of the retrying store.
type RetryConfig struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryConfig is used for zero fields of a RetryConfig.
var DefaultRetryConfig = RetryConfig{
	MaxTries:        5,
	InitialInterval: 50 * time.Millisecond,
	MaxInterval:     2 * time.Second,
}

// RetryingStore decorates a Store with bounded exponential backoff for
// failures that are not part of the store contract (network errors, lock
// contention). Conflicts, missing or duplicate instances and lease
// contention are returned immediately.
type RetryingStore struct {
	inner Store
	cfg   RetryConfig
}

var _ Store = (*RetryingStore)(nil)

// NewRetryingStore wraps inner.
func NewRetryingStore(inner Store, cfg RetryConfig) *RetryingStore {
	if cfg.MaxTries == 0 {
		cfg.MaxTries = DefaultRetryConfig.MaxTries
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = DefaultRetryConfig.InitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = DefaultRetryConfig.MaxInterval
	}
	return &RetryingStore{inner: inner, cfg: cfg}
}

// Unwrap returns the decorated store.
func (r *RetryingStore) Unwrap() Store { return r.inner }

func (r *RetryingStore) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialInterval
	b.MaxInterval = r.cfg.MaxInterval
	return b
}

func isPermanent(err error) bool {
	return api.IsConflict(err) ||
		errors.Is(err, api.ErrInstanceNotFound) ||
		errors.Is(err, api.ErrInstanceExists) ||
		errors.Is(err, api.ErrInstanceLocked) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func retry[T any](ctx context.Context, r *RetryingStore, op string, fn func() (T, error)) (T, error) {
	v, err := backoff.Retry(ctx, func() (T, error) {
		v, err := fn()
		if err != nil && isPermanent(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(r.backOff()), backoff.WithMaxTries(r.cfg.MaxTries))
	if err != nil && !isPermanent(err) && !api.IsTransient(err) {
		err = &api.TransientError{Op: op, Err: err}
	}
	return v, err
}

func retryErr(ctx context.Context, r *RetryingStore, op string, fn func() error) error {
	_, err := retry(ctx, r, op, func() (struct{}, error) { return struct{}{}, fn() })
	return err
}

func (r *RetryingStore) CreateInstance(ctx context.Context, inst *api.Instance) error {
	return retryErr(ctx, r, "create instance", func() error { return r.inner.CreateInstance(ctx, inst) })
}

func (r *RetryingStore) UpdateInstance(ctx context.Context, inst *api.Instance) error {
	return retryErr(ctx, r, "update instance", func() error { return r.inner.UpdateInstance(ctx, inst) })
}

func (r *RetryingStore) GetInstance(ctx context.Context, id string) (*api.Instance, error) {
	return retry(ctx, r, "get instance", func() (*api.Instance, error) { return r.inner.GetInstance(ctx, id) })
}

func (r *RetryingStore) ListInstances(ctx context.Context, q api.InstanceQuery) ([]*api.Instance, error) {
	return retry(ctx, r, "list instances", func() ([]*api.Instance, error) { return r.inner.ListInstances(ctx, q) })
}

// Append is retried as a whole. A retry after an ambiguous failure (the write
// landed but the reply was lost) surfaces as a ConflictError, which callers
// already handle by re-reading.
func (r *RetryingStore) Append(ctx context.Context, instanceID string, expected int64, events ...api.HistoryEvent) (int64, error) {
	return retry(ctx, r, "append", func() (int64, error) { return r.inner.Append(ctx, instanceID, expected, events...) })
}

func (r *RetryingStore) Read(ctx context.Context, instanceID string) iter.Seq2[api.HistoryEvent, error] {
	return func(yield func(api.HistoryEvent, error) bool) {
		events, err := retry(ctx, r, "read", func() ([]api.HistoryEvent, error) {
			return ReadAll(ctx, r.inner, instanceID)
		})
		sliceSeq(events, err)(yield)
	}
}

func (r *RetryingStore) LastSequence(ctx context.Context, instanceID string) (int64, error) {
	return retry(ctx, r, "last sequence", func() (int64, error) { return r.inner.LastSequence(ctx, instanceID) })
}

func (r *RetryingStore) TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (bool, error) {
	return retry(ctx, r, "acquire lease", func() (bool, error) { return r.inner.TryAcquireLease(ctx, instanceID, owner, ttl) })
}

func (r *RetryingStore) RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) error {
	return retryErr(ctx, r, "renew lease", func() error { return r.inner.RenewLease(ctx, instanceID, owner, ttl) })
}

func (r *RetryingStore) ReleaseLease(ctx context.Context, instanceID, owner string) error {
	return retryErr(ctx, r, "release lease", func() error { return r.inner.ReleaseLease(ctx, instanceID, owner) })
}
