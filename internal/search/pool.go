package search

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Key identifies one index on the search engine.
type Key struct {
	Location string
	Type     string
}

func (k Key) String() string {
	return k.Type + "\x00" + k.Location
}

// Opener creates a searcher for an index.
type Opener func(ctx context.Context, key Key) (Searcher, error)

// Pool caches one Searcher per index. Entries are never evicted; the pool
// lives as long as the process and Close releases everything.
type Pool struct {
	open Opener

	mu        sync.RWMutex
	searchers map[Key]Searcher
	group     singleflight.Group
}

// NewPool creates a pool backed by open.
func NewPool(open Opener) *Pool {
	return &Pool{
		open:      open,
		searchers: make(map[Key]Searcher),
	}
}

// EndpointOpener opens one client per index against a single search engine
// endpoint. Every request sent through the returned searcher is tagged with
// the index location and type.
func EndpointOpener(endpoint string, timeout time.Duration) Opener {
	return func(ctx context.Context, key Key) (Searcher, error) {
		s, err := Dial(endpoint, timeout)
		if err != nil {
			return nil, err
		}
		return &indexSearcher{Searcher: s, key: key}, nil
	}
}

// Get returns the cached searcher for the index, opening it on first use.
// Concurrent first calls for the same index share one open.
func (p *Pool) Get(ctx context.Context, location, indexType string) (Searcher, error) {
	key := Key{Location: location, Type: indexType}

	p.mu.RLock()
	s, ok := p.searchers[key]
	p.mu.RUnlock()
	if ok {
		return s, nil
	}

	v, err, _ := p.group.Do(key.String(), func() (any, error) {
		p.mu.RLock()
		s, ok := p.searchers[key]
		p.mu.RUnlock()
		if ok {
			return s, nil
		}

		s, err := p.open(ctx, key)
		if err != nil {
			return nil, err
		}

		p.mu.Lock()
		p.searchers[key] = s
		p.mu.Unlock()
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Searcher), nil
}

// Len returns the number of cached searchers.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.searchers)
}

// Close closes every cached searcher and empties the pool.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for key, s := range p.searchers {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(p.searchers, key)
	}
	return errors.Join(errs...)
}

type indexSearcher struct {
	Searcher
	key Key
}

func (s *indexSearcher) Search(ctx context.Context, req Request) (*Response, error) {
	req.Index = s.key.Location
	req.IndexType = s.key.Type
	return s.Searcher.Search(ctx, req)
}
