package archive

import (
	"context"
	"errors"

	"github.com/Mindburn-Labs/custody/pkg/util/resiliency"
)

// retryStore retries transient backend failures. Missing objects and bad
// addresses are answers, not outages, and are returned at once.
type retryStore struct {
	next Store
	r    *resiliency.Retrier
}

// WithRetry wraps s so every call runs under p.
func WithRetry(name string, s Store, p resiliency.Policy) Store {
	r := resiliency.NewRetrier(name, p)
	r.Retryable = func(err error) bool {
		return !errors.Is(err, ErrNotFound) && !errors.Is(err, errBadAddress)
	}
	return &retryStore{next: s, r: r}
}

func (s *retryStore) Put(ctx context.Context, data []byte) (string, error) {
	var addr string
	err := s.r.Do(ctx, func(ctx context.Context) error {
		var err error
		addr, err = s.next.Put(ctx, data)
		return err
	})
	return addr, err
}

func (s *retryStore) Get(ctx context.Context, addr string) ([]byte, error) {
	var data []byte
	err := s.r.Do(ctx, func(ctx context.Context) error {
		var err error
		data, err = s.next.Get(ctx, addr)
		return err
	})
	return data, err
}

func (s *retryStore) Exists(ctx context.Context, addr string) (bool, error) {
	var ok bool
	err := s.r.Do(ctx, func(ctx context.Context) error {
		var err error
		ok, err = s.next.Exists(ctx, addr)
		return err
	})
	return ok, err
}
