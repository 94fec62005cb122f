package notify

import (
	"context"
	"errors"
)

// Fanout publishes to every configured publisher, collecting errors.
type Fanout struct {
	publishers []Publisher
}

// NewFanout composes publishers.
func NewFanout(publishers ...Publisher) *Fanout {
	return &Fanout{publishers: publishers}
}

// Publish delivers the event to all publishers; a failing publisher does
// not block delivery to the others.
func (f *Fanout) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range f.publishers {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ Publisher = (*Fanout)(nil)
