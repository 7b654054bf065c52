package topic

import (
	"context"
	"sync"

	"github.com/x-notify/core/internal/models"
	"go.uber.org/zap"
)

// Lookup fetches a topic from the datastore on a cache miss.
type Lookup func(ctx context.Context, topicID string) (*models.TopicModel, error)

// Directory is a bounded read-through cache of topic configuration, evicting
// in FIFO order (oldest inserted key first). Lookup failures fail soft: the
// caller sees "not found" and the request degrades to a topic-unavailable
// outcome instead of an error. Concurrent population races are tolerated —
// both writers computed the same row, last one wins.
type Directory struct {
	capacity int
	lookup   Lookup
	log      *zap.Logger

	mu      sync.Mutex
	entries map[string]*models.TopicModel
	order   []string // insertion order, oldest first
}

// NewDirectory builds a directory with the given capacity (default 50).
func NewDirectory(capacity int, lookup Lookup, log *zap.Logger) *Directory {
	if capacity <= 0 {
		capacity = 50
	}
	return &Directory{
		capacity: capacity,
		lookup:   lookup,
		log:      log,
		entries:  make(map[string]*models.TopicModel),
	}
}

// Get returns the topic for topicID, reading through to the store on a miss.
func (d *Directory) Get(ctx context.Context, topicID string) (*models.TopicModel, bool) {
	d.mu.Lock()
	if t, ok := d.entries[topicID]; ok {
		d.mu.Unlock()
		return t, true
	}
	d.mu.Unlock()

	t, err := d.lookup(ctx, topicID)
	if err != nil {
		d.log.Warn("topic lookup failed", zap.String("topicId", topicID), zap.Error(err))
		return nil, false
	}
	if t == nil {
		return nil, false
	}

	d.mu.Lock()
	if _, exists := d.entries[topicID]; !exists {
		d.entries[topicID] = t
		d.order = append(d.order, topicID)
		if len(d.order) > d.capacity {
			oldest := d.order[0]
			d.order = d.order[1:]
			delete(d.entries, oldest)
		}
	} else {
		d.entries[topicID] = t
	}
	d.mu.Unlock()
	return t, true
}

// InvalidateAll clears the whole cache. There is no partial invalidation.
func (d *Directory) InvalidateAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = make(map[string]*models.TopicModel)
	d.order = nil
}

// Len reports the number of cached topics.
func (d *Directory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}
