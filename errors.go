package bidbot

import "errors"

// Sentinel errors shared across components, compared with errors.Is.
var (
	// ErrWalletExhausted is returned by the wallet pool when every wallet is
	// at its per-minute cap, and by the marketplace client when the
	// marketplace itself reports a per-wallet 429.
	ErrWalletExhausted = errors.New("bidbot: no wallet available under its rate limit")

	// ErrPacerShuttingDown is returned by Pacer.ReserveSlot once the process
	// shutdown signal has fired.
	ErrPacerShuttingDown = errors.New("bidbot: pacer is shutting down")

	// ErrSafetyGateRejected is returned by the price calculator when a
	// candidate bid fails one of the §4.6 safety gates.
	ErrSafetyGateRejected = errors.New("bidbot: bid rejected by safety gate")

	// ErrUnknownCollection is returned when an operation names a collection
	// symbol that was never configured.
	ErrUnknownCollection = errors.New("bidbot: unknown collection symbol")

	// ErrQuantityLockExhausted is returned by QuantityLock.Increment after
	// its bounded retry budget is spent under contention.
	ErrQuantityLockExhausted = errors.New("bidbot: quantity lock retries exhausted")

	// ErrQueueFull signals the event queue could not make room even after
	// applying the overflow policy (should not happen in practice, since the
	// overflow policy always frees one slot unless the queue is empty).
	ErrQueueFull = errors.New("bidbot: event queue is full")
)
