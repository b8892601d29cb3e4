package conversation

import (
	"sync"

	"marketchat/internal/domain"
)

// summaryCache holds summaries per viewer. Each viewer has a generation that
// is bumped on invalidation, so a computation that raced an invalidation is
// never stored.
type summaryCache struct {
	mu      sync.Mutex
	entries map[string][]domain.Conversation
	gens    map[string]uint64
}

func newSummaryCache() *summaryCache {
	return &summaryCache{
		entries: make(map[string][]domain.Conversation),
		gens:    make(map[string]uint64),
	}
}

func (c *summaryCache) get(viewer string) ([]domain.Conversation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	convs, ok := c.entries[viewer]
	if !ok {
		return nil, false
	}
	return clone(convs), true
}

func (c *summaryCache) generation(viewer string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens[viewer]
}

func (c *summaryCache) put(viewer string, gen uint64, convs []domain.Conversation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[viewer] != gen {
		return
	}
	c.entries[viewer] = clone(convs)
}

func (c *summaryCache) invalidate(viewer string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gens[viewer]++
	delete(c.entries, viewer)
}

func clone(convs []domain.Conversation) []domain.Conversation {
	out := make([]domain.Conversation, len(convs))
	copy(out, convs)
	return out
}
