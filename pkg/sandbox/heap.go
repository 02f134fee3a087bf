package sandbox

import (
	"runtime/metrics"
	"sync"
	"sync/atomic"
	"time"
)

// heapSampleInterval is how often a running action's heap growth is read.
const heapSampleInterval = 2 * time.Millisecond

const heapObjectsMetric = "/memory/classes/heap/objects:bytes"

// liveHeapBytes returns the bytes held by heap objects, reachable or not
// yet swept.
func liveHeapBytes() uint64 {
	sample := []metrics.Sample{{Name: heapObjectsMetric}}
	metrics.Read(sample)
	if sample[0].Value.Kind() != metrics.KindUint64 {
		return 0
	}
	return sample[0].Value.Uint64()
}

// heapWatch tracks heap growth from the moment an in-process action starts.
// Growth is process-wide, so allocations of concurrent actions count
// against whichever actions are running.
type heapWatch struct {
	base     uint64
	limit    uint64
	onExceed func()

	peak     atomic.Uint64
	exceeded atomic.Bool
	done     chan struct{}
	stopOnce sync.Once
	read     func() uint64
}

// watchHeap samples heap growth until stop. Once growth passes limit,
// onExceed runs exactly once. A zero limit only records the peak.
func watchHeap(limit uint64, onExceed func()) *heapWatch {
	return startHeapWatch(limit, heapSampleInterval, liveHeapBytes, onExceed)
}

func startHeapWatch(limit uint64, interval time.Duration, read func() uint64, onExceed func()) *heapWatch {
	w := &heapWatch{
		base:     read(),
		limit:    limit,
		onExceed: onExceed,
		done:     make(chan struct{}),
		read:     read,
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-w.done:
				return
			case <-ticker.C:
				if !w.sample() {
					return
				}
			}
		}
	}()
	return w
}

// sample records the current growth and reports whether the action is
// still within its limit.
func (w *heapWatch) sample() bool {
	var growth uint64
	if now := w.read(); now > w.base {
		growth = now - w.base
	}
	for {
		peak := w.peak.Load()
		if growth <= peak || w.peak.CompareAndSwap(peak, growth) {
			break
		}
	}
	if w.limit == 0 || growth <= w.limit {
		return true
	}
	if w.exceeded.CompareAndSwap(false, true) && w.onExceed != nil {
		w.onExceed()
	}
	return false
}

// stop takes a last sample, stops the watch and returns the peak growth.
func (w *heapWatch) stop() uint64 {
	w.stopOnce.Do(func() {
		w.sample()
		close(w.done)
	})
	return w.peak.Load()
}

// Exceeded reports whether growth ever passed the limit.
func (w *heapWatch) Exceeded() bool {
	return w.exceeded.Load()
}
