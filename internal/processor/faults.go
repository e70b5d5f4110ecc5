package processor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/imrishuroy/orderflow-pipeline/internal/orders"
)

// ErrInjectedFault is returned by work that a FaultInjector chose to fail.
var ErrInjectedFault = errors.New("injected fault")

// FaultInjector decides whether the work for a message should fail. It is a
// test and demo harness for exercising the redelivery and dead-letter paths.
type FaultInjector interface {
	Inject(msg orders.Message) error
}

type faultFunc func(msg orders.Message) error

func (f faultFunc) Inject(msg orders.Message) error { return f(msg) }

// NoFaults never fails.
func NoFaults() FaultInjector {
	return faultFunc(func(orders.Message) error { return nil })
}

// AlwaysFail fails every message.
func AlwaysFail() FaultInjector {
	return faultFunc(func(msg orders.Message) error {
		return fmt.Errorf("%w: item %s", ErrInjectedFault, msg.ItemID)
	})
}

// RandomFaults fails each attempt independently with probability rate.
func RandomFaults(rate float64) FaultInjector {
	return faultFunc(func(msg orders.Message) error {
		if rate > 0 && rand.Float64() < rate {
			return fmt.Errorf("%w: item %s (rate %.2f)", ErrInjectedFault, msg.ItemID, rate)
		}
		return nil
	})
}

// FailItems fails every attempt for the listed item ids.
func FailItems(ids ...string) FaultInjector {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return faultFunc(func(msg orders.Message) error {
		if _, ok := set[msg.ItemID]; ok {
			return fmt.Errorf("%w: item %s", ErrInjectedFault, msg.ItemID)
		}
		return nil
	})
}

// WithFaults runs faults before work; an injected fault skips the work.
func WithFaults(work UnitOfWork, faults FaultInjector) UnitOfWork {
	return WorkFunc(func(ctx context.Context, msg orders.Message) error {
		if err := faults.Inject(msg); err != nil {
			return err
		}
		return work.Do(ctx, msg)
	})
}
