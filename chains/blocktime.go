package chains

import (
	"context"
	"sync"
	"time"
)

// blockTimeCapacity bounds the cached headers; swaps arrive for recent blocks only.
const blockTimeCapacity = 64

// blockTimes caches block timestamps so every swap in a block costs one header read.
type blockTimes struct {
	mu     sync.Mutex
	times  map[uint64]time.Time
	newest uint64
}

func newBlockTimes() *blockTimes {
	return &blockTimes{times: make(map[uint64]time.Time)}
}

// get returns the timestamp of block number, reading the header on a miss.
func (b *blockTimes) get(ctx context.Context, client ChainClient, number uint64) (time.Time, error) {
	b.mu.Lock()
	at, ok := b.times[number]
	b.mu.Unlock()
	if ok {
		return at, nil
	}

	at, err := client.BlockTime(ctx, number)
	if err != nil {
		return time.Time{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.times[number] = at
	if number > b.newest {
		b.newest = number
	}
	if len(b.times) > blockTimeCapacity {
		for n := range b.times {
			if n+blockTimeCapacity <= b.newest {
				delete(b.times, n)
			}
		}
	}

	return at, nil
}
