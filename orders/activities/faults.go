package activities

import (
	"context"
	"math/rand"
	"sync"

	"github.com/pkg/errors"
)

// FaultInjector simulates the failure modes of the payment and carrier
// integrations this service stubs: a forced transient error or a hang
// long enough to trip the activity attempt timeout. Disabled unless
// configured; activities must stay correct under both.
type FaultInjector struct {
	ErrorRate float64
	HangRate  float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewFaultInjector creates an injector with the given rates; seed fixes
// the sequence for reproducible runs.
func NewFaultInjector(errorRate, hangRate float64, seed int64) *FaultInjector {
	return &FaultInjector{
		ErrorRate: errorRate,
		HangRate:  hangRate,
		rng:       rand.New(rand.NewSource(seed)),
	}
}

// Inject either returns a retryable error, blocks until the attempt
// context expires, or does nothing.
func (f *FaultInjector) Inject(ctx context.Context) error {
	if f == nil || (f.ErrorRate <= 0 && f.HangRate <= 0) {
		return nil
	}

	f.mu.Lock()
	roll := f.rng.Float64()
	f.mu.Unlock()

	switch {
	case roll < f.ErrorRate:
		return errors.New("injected transient failure")
	case roll < f.ErrorRate+f.HangRate:
		<-ctx.Done()
		return ctx.Err()
	default:
		return nil
	}
}
