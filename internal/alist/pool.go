package alist

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
)

// Pool shares clients, and with them their tokens, across runs. Clients
// are keyed by normalized server URL and credentials so a long-running
// process logs in once per account rather than once per run.
type Pool struct {
	mu      sync.Mutex
	clients map[string]*Client
}

// NewPool returns an empty pool.
func NewPool() *Pool {
	return &Pool{clients: make(map[string]*Client)}
}

// Get returns the pooled client for opts, creating it on first use.
func (p *Pool) Get(opts Options) (*Client, error) {
	c, err := New(opts)
	if err != nil {
		return nil, err
	}
	key := poolKey(c.baseURL, opts)

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.clients[key]; ok {
		return existing, nil
	}
	p.clients[key] = c
	return c, nil
}

// Len reports how many distinct clients are pooled.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

// poolKey identifies a server and credential set. Secrets are hashed so the
// key never holds them in the clear.
func poolKey(baseURL string, opts Options) string {
	sum := sha256.Sum256([]byte(opts.Password + "\x00" + opts.Token))
	return strings.Join([]string{baseURL, opts.Username, hex.EncodeToString(sum[:])}, "|")
}
