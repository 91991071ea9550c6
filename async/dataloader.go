package async

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tsawler/go-cnn/training"
)

// ErrNotStarted is returned by Next before the first Reset
var ErrNotStarted = errors.New("prefetch loader not started, call Reset first")

// PrefetchLoader loads the upcoming batches of a training.Loader on a
// background goroutine so that image decoding overlaps the training step.
// Batches arrive in exactly the order of the wrapped loader.
type PrefetchLoader struct {
	source        training.Loader
	prefetchDepth int

	// Pipeline of the current epoch
	batchChannel chan prefetched
	cancel       context.CancelFunc
	wg           sync.WaitGroup

	// State
	consumed     int
	batchCounter atomic.Uint64
	generation   uint64
	isRunning    bool
	mutex        sync.RWMutex
}

type prefetched struct {
	batch *training.Batch
	err   error
}

// Config holds configuration for the prefetch loader
type Config struct {
	PrefetchDepth int // Number of batches to load ahead (default: 2)
}

// NewPrefetchLoader wraps source. The wrapped loader must not be used
// directly while the prefetch loader is running.
func NewPrefetchLoader(source training.Loader, config Config) (*PrefetchLoader, error) {
	if source == nil {
		return nil, fmt.Errorf("source loader cannot be nil")
	}
	if config.PrefetchDepth <= 0 {
		config.PrefetchDepth = 2
	}

	return &PrefetchLoader{
		source:        source,
		prefetchDepth: config.PrefetchDepth,
	}, nil
}

// Reset stops any running epoch, rewinds the source and starts loading the
// next epoch in the background
func (pl *PrefetchLoader) Reset() {
	pl.mutex.Lock()
	defer pl.mutex.Unlock()

	pl.stopLocked()
	pl.source.Reset()

	ctx, cancel := context.WithCancel(context.Background())
	pl.cancel = cancel
	pl.batchChannel = make(chan prefetched, pl.prefetchDepth)
	pl.consumed = 0
	pl.generation++
	pl.isRunning = true

	pl.wg.Add(1)
	go pl.worker(ctx, pl.batchChannel)
}

// worker pulls batches from the source until the epoch ends, an error
// occurs or the epoch is cancelled
func (pl *PrefetchLoader) worker(ctx context.Context, out chan<- prefetched) {
	defer pl.wg.Done()
	defer close(out)

	for pl.source.HasNext() {
		if ctx.Err() != nil {
			return
		}

		batch, err := pl.source.Next()
		if err != nil {
			select {
			case out <- prefetched{err: err}:
			case <-ctx.Done():
			}
			return
		}
		if batch == nil {
			return
		}
		pl.batchCounter.Add(1)

		select {
		case out <- prefetched{batch: batch}:
		case <-ctx.Done():
			batch.Release()
			return
		}
	}
}

// Next returns the next batch, or nil once the epoch is complete
func (pl *PrefetchLoader) Next() (*training.Batch, error) {
	pl.mutex.RLock()
	ch, running := pl.batchChannel, pl.isRunning
	pl.mutex.RUnlock()
	if !running {
		return nil, ErrNotStarted
	}

	item, ok := <-ch
	if !ok {
		return nil, nil
	}

	pl.mutex.Lock()
	pl.consumed++
	pl.mutex.Unlock()
	return item.batch, item.err
}

// HasNext reports whether the current epoch has batches left
func (pl *PrefetchLoader) HasNext() bool {
	pl.mutex.RLock()
	defer pl.mutex.RUnlock()
	return pl.isRunning && pl.consumed < pl.source.Len()
}

// Len returns the number of batches in an epoch
func (pl *PrefetchLoader) Len() int {
	return pl.source.Len()
}

// NumSamples returns the dataset size
func (pl *PrefetchLoader) NumSamples() int {
	return pl.source.NumSamples()
}

// Close stops background loading and releases batches that were never
// consumed
func (pl *PrefetchLoader) Close() error {
	pl.mutex.Lock()
	defer pl.mutex.Unlock()
	pl.stopLocked()
	return nil
}

func (pl *PrefetchLoader) stopLocked() {
	if !pl.isRunning {
		return
	}

	pl.cancel()
	for item := range pl.batchChannel {
		item.batch.Release()
	}
	pl.wg.Wait()

	pl.isRunning = false
}

// Stats returns statistics about the prefetch loader
func (pl *PrefetchLoader) Stats() Stats {
	pl.mutex.RLock()
	defer pl.mutex.RUnlock()

	stats := Stats{
		IsRunning:       pl.isRunning,
		BatchesProduced: pl.batchCounter.Load(),
		QueueCapacity:   pl.prefetchDepth,
		Generation:      pl.generation,
	}
	if pl.isRunning {
		stats.QueuedBatches = len(pl.batchChannel)
	}
	return stats
}

// Stats provides statistics about the prefetch loader
type Stats struct {
	IsRunning       bool
	BatchesProduced uint64
	QueuedBatches   int
	QueueCapacity   int
	Generation      uint64 // Number of epochs started
}
