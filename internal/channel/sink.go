package channel

import (
	"context"
	"errors"

	"bookfeed/models"
)

// Sink receives normalized market data. Calls for one exchange arrive in wire
// order from a single goroutine.
type Sink interface {
	OnBook(ctx context.Context, ev models.BookEvent) error
	OnTrade(ctx context.Context, ev models.TradeEvent) error
}

// Callbacks adapts plain functions to Sink. A nil function ignores the event.
type Callbacks struct {
	Book  func(ctx context.Context, ev models.BookEvent) error
	Trade func(ctx context.Context, ev models.TradeEvent) error
}

func (c Callbacks) OnBook(ctx context.Context, ev models.BookEvent) error {
	if c.Book == nil {
		return nil
	}
	return c.Book(ctx, ev)
}

func (c Callbacks) OnTrade(ctx context.Context, ev models.TradeEvent) error {
	if c.Trade == nil {
		return nil
	}
	return c.Trade(ctx, ev)
}

// Multi fans every event out to each sink in order. All sinks are called even
// when one fails; the failures are joined.
type Multi []Sink

func (m Multi) OnBook(ctx context.Context, ev models.BookEvent) error {
	var errs []error
	for _, s := range m {
		if err := s.OnBook(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) OnTrade(ctx context.Context, ev models.TradeEvent) error {
	var errs []error
	for _, s := range m {
		if err := s.OnTrade(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
