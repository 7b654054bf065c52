package notify

import "sync"

// ClientCache keeps one Client per API key, bounded with FIFO eviction like
// the topic directory. Flushable through the operator cache-flush endpoint.
type ClientCache struct {
	endpoint     string
	bulkEndpoint string
	capacity     int

	mu      sync.Mutex
	clients map[string]*Client
	order   []string // insertion order, oldest first
}

// NewClientCache builds a cache producing clients against the given provider
// endpoints.
func NewClientCache(endpoint, bulkEndpoint string, capacity int) *ClientCache {
	if capacity <= 0 {
		capacity = 50
	}
	return &ClientCache{
		endpoint:     endpoint,
		bulkEndpoint: bulkEndpoint,
		capacity:     capacity,
		clients:      make(map[string]*Client),
	}
}

// Get returns the cached client for apiKey, creating it on first use.
func (cc *ClientCache) Get(apiKey string) *Client {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	if c, ok := cc.clients[apiKey]; ok {
		return c
	}

	c := NewClient(cc.endpoint, cc.bulkEndpoint, apiKey)
	cc.clients[apiKey] = c
	cc.order = append(cc.order, apiKey)

	if len(cc.order) > cc.capacity {
		oldest := cc.order[0]
		cc.order = cc.order[1:]
		delete(cc.clients, oldest)
	}
	return c
}

// Flush drops every cached client.
func (cc *ClientCache) Flush() {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.clients = make(map[string]*Client)
	cc.order = nil
}

// Len reports the number of cached clients.
func (cc *ClientCache) Len() int {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return len(cc.clients)
}
