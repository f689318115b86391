package backend

import (
	"strings"
	"sync"
)

// Cache hands out one Client per distinct credential for the lifetime of the
// process. Entries are never evicted.
type Cache struct {
	baseURL string
	opts    []ClientOption

	mu      sync.Mutex
	clients map[string]*Client
}

// NewCache returns an empty cache whose clients target baseURL.
func NewCache(baseURL string, opts ...ClientOption) *Cache {
	return &Cache{
		baseURL: baseURL,
		opts:    opts,
		clients: make(map[string]*Client),
	}
}

// GetOrCreate returns the client bound to credential, constructing it on
// first use. The credential is trimmed before lookup.
func (c *Cache) GetOrCreate(credential string) (*Client, error) {
	key := strings.TrimSpace(credential)
	if key == "" {
		return nil, ErrEmptyCredential
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if cl, ok := c.clients[key]; ok {
		return cl, nil
	}

	cl, err := NewClient(c.baseURL, key, c.opts...)
	if err != nil {
		return nil, err
	}
	c.clients[key] = cl
	return cl, nil
}

// Len reports the number of cached clients.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.clients)
}

// BaseURL returns the backend address new clients are bound to.
func (c *Cache) BaseURL() string { return c.baseURL }
