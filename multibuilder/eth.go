package multibuilder

import (
	"context"
	"sync"
	"time"
)

var DefaultBlockNumberFreshness = time.Second

// BlockNumberSource is satisfied by *ethclient.Client.
type BlockNumberSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// CachingEthClient caches the chain head for a short time.
type CachingEthClient struct {
	source    BlockNumberSource
	freshness time.Duration

	mu          sync.RWMutex
	blockNumber uint64
	lastUpdate  time.Time
}

func NewCachingEthClient(source BlockNumberSource, freshness time.Duration) *CachingEthClient {
	if freshness <= 0 {
		freshness = DefaultBlockNumberFreshness
	}
	return &CachingEthClient{
		source:    source,
		freshness: freshness,
	}
}

func (c *CachingEthClient) BlockNumber(ctx context.Context) (uint64, error) {
	c.mu.RLock()
	if !c.lastUpdate.IsZero() && time.Since(c.lastUpdate) < c.freshness {
		bn := c.blockNumber
		c.mu.RUnlock()
		return bn, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// another caller may have refreshed while we waited for the lock
	if !c.lastUpdate.IsZero() && time.Since(c.lastUpdate) < c.freshness {
		return c.blockNumber, nil
	}
	blockNumber, err := c.source.BlockNumber(ctx)
	if err != nil {
		return 0, err
	}
	c.blockNumber = blockNumber
	c.lastUpdate = time.Now()
	return blockNumber, nil
}
