package orders

import (
	"context"
	"crypto/rand"
	"fmt"

	"github.com/openpromo/adboard/internal/app/domain/order"
	"github.com/openpromo/adboard/internal/app/storage"
)

// memoAlphabet deliberately omits easily confused characters (0/O, 1/I/L)
// since buyers copy the token into a transfer comment by hand.
const memoAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const (
	memoLength      = 8
	memoMaxAttempts = 5
)

// MemoAllocator issues correlation tokens that are unique across all
// non-terminal orders. Terminal orders release their tokens; a live order
// must never share one, or an old transfer could confirm the wrong order.
type MemoAllocator struct {
	store    storage.OrderStore
	length   int
	attempts int
	generate func(length int) (string, error)
}

// NewMemoAllocator creates an allocator over the given order store.
func NewMemoAllocator(store storage.OrderStore) *MemoAllocator {
	return &MemoAllocator{
		store:    store,
		length:   memoLength,
		attempts: memoMaxAttempts,
		generate: randomToken,
	}
}

// Allocate returns a token no live order carries. It retries a bounded
// number of times and fails with order.ErrTokenSpaceExhausted when every
// candidate collided, which signals the token space must be widened.
func (a *MemoAllocator) Allocate(ctx context.Context) (string, error) {
	taken := make(map[string]struct{})
	for _, status := range []order.Status{order.StatusPending, order.StatusConfirmed, order.StatusActive} {
		live, err := a.store.ListOrdersByStatus(ctx, status)
		if err != nil {
			return "", fmt.Errorf("list %s orders: %w", status, err)
		}
		for _, ord := range live {
			taken[ord.MemoToken] = struct{}{}
		}
	}

	for attempt := 0; attempt < a.attempts; attempt++ {
		candidate, err := a.generate(a.length)
		if err != nil {
			return "", fmt.Errorf("generate memo token: %w", err)
		}
		if _, exists := taken[candidate]; !exists {
			return candidate, nil
		}
	}
	return "", order.ErrTokenSpaceExhausted
}

func randomToken(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = memoAlphabet[int(b)%len(memoAlphabet)]
	}
	return string(buf), nil
}
