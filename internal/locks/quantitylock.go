package locks

import (
	"context"
	"time"

	bidbot "github.com/NFTToolz/ordinals-bid-bot"
	"go.uber.org/zap"
)

// maxIncrementRetries bounds QuantityLock.Increment's wait for the lock
// (§4.4). Incrementing is idempotent given a successful win event, so
// returning the current value on exhaustion (rather than failing the
// caller's whole flow) is the documented, acceptable fallback.
const maxIncrementRetries = 10

// perRetryTimeout is how long a single attempt waits for the current holder
// before counting as one exhausted retry.
const perRetryTimeout = 500 * time.Millisecond

// QuantityLock serializes increments to a single collection's items-won
// counter. It reuses TokenLock's FIFO primitive keyed by collection symbol
// instead of token id — the mechanism is identical, only the key domain
// differs.
type QuantityLock struct {
	tl  *TokenLock
	log *zap.SugaredLogger
}

// NewQuantityLock constructs a QuantityLock.
func NewQuantityLock(log *zap.SugaredLogger) *QuantityLock {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &QuantityLock{tl: NewTokenLock(log), log: log.With("component", "quantitylock")}
}

// Increment atomically increments the quantity counter read from getter and
// written through setter, serializing concurrent callers for the same
// collection symbol. Each of up to maxIncrementRetries attempts awaits the
// current holder for perRetryTimeout; on exhaustion it returns the
// last-observed value and ErrQuantityLockExhausted.
func (q *QuantityLock) Increment(collectionSymbol string, getter func() int, setter func(int)) (int, error) {
	for attempt := 0; attempt < maxIncrementRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), perRetryTimeout)
		acquired := q.tl.AcquireContext(ctx, collectionSymbol)
		cancel()
		if !acquired {
			continue
		}
		current := getter()
		next := current + 1
		setter(next)
		q.tl.Release(collectionSymbol)
		return next, nil
	}
	q.log.Warnw("quantity lock retries exhausted", "collection", collectionSymbol)
	return getter(), bidbot.ErrQuantityLockExhausted
}
