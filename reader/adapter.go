package reader

import (
	"context"
	"errors"
	"time"

	"bookfeed/internal/metrics"
	"bookfeed/logger"
	"bookfeed/models"
)

// Kind is the classification of one inbound wire message.
type Kind int

const (
	KindUnrecognized Kind = iota
	KindLifecycle
	KindAck
	KindBook
	KindTrade
	KindExchangeError
)

func (k Kind) String() string {
	switch k {
	case KindLifecycle:
		return "lifecycle"
	case KindAck:
		return "ack"
	case KindBook:
		return "book"
	case KindTrade:
		return "trade"
	case KindExchangeError:
		return "exchange_error"
	default:
		return "unrecognized"
	}
}

// Protocol is what an exchange integration implements. M is the exchange's
// decoded message variant. Classify must fail closed: anything it cannot
// decode is reported as models.ErrMalformedMessage and never reaches the
// handlers.
type Protocol[M any] interface {
	Exchange() string
	Classify(raw []byte) (Kind, M, error)
	HandleBook(ctx context.Context, msg M, received time.Time) error
	HandleTrade(ctx context.Context, msg M, received time.Time) error
	EncodeSubscription(req models.SubscriptionRequest) ([][]byte, error)
	Reset()
}

// Adapter is the type-erased view of a Protocol used by the transport.
type Adapter interface {
	Exchange() string
	// Handle processes one raw message. Errors are per message: they are
	// logged and counted here and never require tearing the connection down.
	Handle(ctx context.Context, raw []byte, received time.Time) error
	// Subscribe clears all book state and returns the payloads to write.
	Subscribe(req models.SubscriptionRequest) ([][]byte, error)
	Reset()
}

type bound[M any] struct {
	p   Protocol[M]
	log *logger.Entry
}

// Bind wraps p as an Adapter.
func Bind[M any](p Protocol[M]) Adapter {
	return &bound[M]{
		p:   p,
		log: logger.GetLogger().WithComponent("adapter").WithExchange(p.Exchange()),
	}
}

func (b *bound[M]) Exchange() string { return b.p.Exchange() }

func (b *bound[M]) Reset() { b.p.Reset() }

func (b *bound[M]) Subscribe(req models.SubscriptionRequest) ([][]byte, error) {
	b.p.Reset()
	payloads, err := b.p.EncodeSubscription(req)
	if err != nil {
		return nil, err
	}
	b.log.WithFields(logger.Fields{
		"channels": len(req),
		"payloads": len(payloads),
	}).Info("encoded subscription")
	return payloads, nil
}

func (b *bound[M]) Handle(ctx context.Context, raw []byte, received time.Time) error {
	kind, msg, err := b.p.Classify(raw)
	metrics.IncMessage(b.p.Exchange(), kind.String())
	if err != nil {
		return b.fail(kind, raw, err)
	}

	switch kind {
	case KindBook:
		err = b.p.HandleBook(ctx, msg, received)
	case KindTrade:
		err = b.p.HandleTrade(ctx, msg, received)
	case KindLifecycle, KindAck:
		return nil
	default:
		err = models.Errorf(models.KindUnrecognizedMessageType, b.p.Exchange(), "classify", "no handler for %s", kind)
	}
	if err != nil && ctx.Err() == nil {
		return b.fail(kind, raw, err)
	}
	return err
}

func (b *bound[M]) fail(kind Kind, raw []byte, err error) error {
	label := "other"
	if kind == KindExchangeError {
		label = kind.String()
	}
	if k := models.KindOf(err); k != 0 {
		label = k.String()
	}
	metrics.IncError(b.p.Exchange(), label)

	entry := b.log.WithError(err).WithFields(logger.Fields{
		"kind":       kind.String(),
		"error_kind": label,
	})
	if errors.Is(err, models.ErrMalformedMessage) {
		entry = entry.WithFields(logger.Fields{"payload": truncate(raw, 512)})
	}
	entry.Warn("dropping message")
	return err
}

func truncate(raw []byte, n int) string {
	if len(raw) <= n {
		return string(raw)
	}
	return string(raw[:n]) + "..."
}
