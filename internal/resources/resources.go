// Package resources samples the proxy process's own CPU, memory, and
// goroutine usage for the admin status surface.
package resources

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// Point is a single resource sample.
type Point struct {
	Timestamp  time.Time `json:"timestamp"`
	CPUPercent float64   `json:"cpuPercent"`
	RSSBytes   uint64    `json:"rssBytes"`
	Goroutines int       `json:"goroutines"`
}

// Snapshot is the current sample plus recent history.
type Snapshot struct {
	Current Point   `json:"current"`
	History []Point `json:"history"`
}

// Tracker periodically samples the current process and retains bounded history.
type Tracker struct {
	proc     *process.Process
	mu       sync.RWMutex
	samples  []Point
	current  Point
	maxItems int
}

// NewTracker constructs a tracker for the current process. Returns nil if the
// process handle cannot be obtained (sampling becomes a harmless no-op).
func NewTracker() *Tracker {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil
	}
	return &Tracker{
		proc:     p,
		maxItems: 24 * 60, // 24h @ 1 sample/minute
	}
}

// Start begins periodic sampling until ctx is done.
func (t *Tracker) Start(ctx context.Context) {
	if t == nil {
		return
	}
	t.sample(ctx)
	ticker := time.NewTicker(time.Minute)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.sample(ctx)
			}
		}
	}()
}

func (t *Tracker) sample(ctx context.Context) {
	if t == nil || t.proc == nil {
		return
	}
	now := time.Now()

	cpu, err := t.proc.PercentWithContext(ctx, 0)
	if err != nil {
		cpu = 0
	}
	var rss uint64
	if mem, err := t.proc.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		rss = mem.RSS
	}

	point := Point{
		Timestamp:  now,
		CPUPercent: cpu,
		RSSBytes:   rss,
		Goroutines: runtime.NumGoroutine(),
	}

	t.mu.Lock()
	t.current = point
	t.samples = append(t.samples, point)
	if len(t.samples) > t.maxItems {
		t.samples = t.samples[len(t.samples)-t.maxItems:]
	}
	t.mu.Unlock()
}

// Snapshot returns the current sample and retained history.
func (t *Tracker) Snapshot() Snapshot {
	if t == nil {
		return Snapshot{}
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	history := make([]Point, len(t.samples))
	copy(history, t.samples)
	return Snapshot{Current: t.current, History: history}
}
