package upload

import (
	"math"
	"sort"
	"sync"

	"github.com/bitrise-io/go-chunkupload/upload/hasher"
)

// Progress is the byte level view of an upload attempt.
type Progress struct {
	UploadedBytes int64
	TotalBytes    int64
	Percent       int
}

// Observer receives the state changes and progress of an upload attempt.
// OnProgress may be called from several goroutines, but never concurrently.
type Observer interface {
	OnState(state State)
	OnHashProgress(progress hasher.Progress)
	OnProgress(progress Progress)
}

// ObserverFuncs adapts optional functions to an Observer.
type ObserverFuncs struct {
	State        func(State)
	HashProgress func(hasher.Progress)
	Progress     func(Progress)
}

// OnState ...
func (o ObserverFuncs) OnState(state State) {
	if o.State != nil {
		o.State(state)
	}
}

// OnHashProgress ...
func (o ObserverFuncs) OnHashProgress(progress hasher.Progress) {
	if o.HashProgress != nil {
		o.HashProgress(progress)
	}
}

// OnProgress ...
func (o ObserverFuncs) OnProgress(progress Progress) {
	if o.Progress != nil {
		o.Progress(progress)
	}
}

type progressTracker struct {
	mu       sync.Mutex
	uploaded int64
	total    int64
	indices  []int
	observer Observer
}

func newProgressTracker(total int64, observer Observer) *progressTracker {
	return &progressTracker{total: total, observer: observer}
}

// seed accounts for bytes the service already stores.
func (p *progressTracker) seed(n int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.uploaded = n
	p.notify()
}

func (p *progressTracker) add(index int, n int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.uploaded += n
	p.indices = append(p.indices, index)
	p.notify()
}

func (p *progressTracker) snapshot() Progress {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.progress()
}

func (p *progressTracker) uploadedIndices() []int {
	p.mu.Lock()
	defer p.mu.Unlock()

	indices := append([]int{}, p.indices...)
	sort.Ints(indices)
	return indices
}

func (p *progressTracker) notify() {
	if p.observer != nil {
		p.observer.OnProgress(p.progress())
	}
}

func (p *progressTracker) progress() Progress {
	return Progress{
		UploadedBytes: p.uploaded,
		TotalBytes:    p.total,
		Percent:       percent(p.uploaded, p.total),
	}
}

func percent(uploaded, total int64) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(uploaded) / float64(total) * 100))
}
