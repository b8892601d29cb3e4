// Package conversation derives buyer-seller conversations from the flat message log.
// Conversations are never stored; every view is computed from the log.
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/samber/lo"

	"marketchat/internal/bus"
	"marketchat/internal/domain"
	"marketchat/internal/metrics"
)

// Deriver computes conversation summaries and histories for a viewer.
type Deriver struct {
	store   domain.MessageStore
	logger  *slog.Logger
	timeout time.Duration
	cache   *summaryCache
}

type Option func(*Deriver)

// WithTimeout bounds every store call made by the deriver.
func WithTimeout(d time.Duration) Option {
	return func(dv *Deriver) { dv.timeout = d }
}

// WithCache keeps summaries per viewer until a message event touches them.
// The cache is only correct when Watch is wired to the bus the dispatcher emits on.
func WithCache() Option {
	return func(dv *Deriver) { dv.cache = newSummaryCache() }
}

func New(store domain.MessageStore, logger *slog.Logger, opts ...Option) *Deriver {
	d := &Deriver{store: store, logger: logger}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Summaries lists the viewer's conversations, newest first, each reduced to
// its latest message.
func (d *Deriver) Summaries(ctx context.Context, viewer string) ([]domain.Conversation, error) {
	var gen uint64
	if d.cache != nil {
		if convs, ok := d.cache.get(viewer); ok {
			return convs, nil
		}
		gen = d.cache.generation(viewer)
	}

	msgs, err := d.query(ctx, domain.MessageFilter{Participant: viewer})
	if err != nil {
		return nil, err
	}

	groups := lo.GroupBy(msgs, func(m domain.Message) domain.ConversationKey {
		return domain.KeyFor(viewer, m)
	})
	convs := lo.MapToSlice(groups, func(key domain.ConversationKey, group []domain.Message) domain.Conversation {
		return domain.Summarize(viewer, key, group)
	})
	sort.Slice(convs, func(i, j int) bool { return convs[i].NewerThan(convs[j]) })

	if d.cache != nil {
		d.cache.put(viewer, gen, convs)
	}
	return convs, nil
}

// History returns every message about key.ProductID exchanged between the
// viewer and key.CounterpartyID, oldest first.
func (d *Deriver) History(ctx context.Context, viewer string, key domain.ConversationKey) ([]domain.Message, error) {
	if key.ProductID == "" || key.CounterpartyID == "" {
		return nil, fmt.Errorf("%w: incomplete conversation key", domain.ErrMalformedFrame)
	}
	return d.query(ctx, domain.MessageFilter{
		Participant:  viewer,
		Counterparty: key.CounterpartyID,
		ProductID:    key.ProductID,
	})
}

// Invalidate drops cached summaries for the given users.
func (d *Deriver) Invalidate(userIDs ...string) {
	if d.cache == nil {
		return
	}
	for _, id := range userIDs {
		d.cache.invalidate(id)
	}
}

// Watch subscribes the cache to message events.
func (d *Deriver) Watch(eb *bus.EventBus) {
	if d.cache == nil {
		return
	}
	eb.On(bus.EventMessageSent, func(e bus.Event) {
		d.Invalidate(e.Message.SenderID, e.Message.RecipientID)
	})
	eb.On(bus.EventMessageRead, func(e bus.Event) {
		d.Invalidate(e.Message.RecipientID)
	})
}

func (d *Deriver) query(ctx context.Context, f domain.MessageFilter) ([]domain.Message, error) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	start := time.Now()
	msgs, err := d.store.QueryMessages(ctx, f)
	metrics.StoreLatency.ObserveSince(start)
	if err != nil {
		d.logger.Error("message query failed", "participant", f.Participant, "err", err)
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreFailure, err)
	}
	return msgs, nil
}
