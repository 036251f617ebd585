package notify

import (
	"context"
	"errors"

	"github.com/warp/loyalty-engine/loyalty"
)

// Multi fans an event out to every notifier. All of them are tried; the
// failures come back joined.
type Multi []loyalty.Notifier

func (m Multi) Notify(ctx context.Context, e loyalty.Event) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
