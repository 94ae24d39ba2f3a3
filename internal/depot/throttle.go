package depot

import (
	"context"
	"io"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	dynamicWindow  = 2 * time.Second
	minDynamicRate = 16 * 1024
	minBurst       = 4 * 1024
	maxBurst       = 1024 * 1024
)

// Throttle limits transfer bandwidth across all readers it wraps. In
// dynamic mode the limit backs off when achieved throughput drops below
// half of it (other traffic competes for the link) and recovers by a
// tenth of the maximum per measurement window.
type Throttle struct {
	limiter *rate.Limiter // nil = unlimited
	max     rate.Limit
	dynamic bool

	mu       sync.Mutex
	now      func() time.Time
	window   time.Duration
	winStart time.Time
	winBytes int64
}

// NewThrottle creates a throttle for maxBandwidth bytes per second.
// Zero means unlimited; dynamic mode needs a maximum to work against.
func NewThrottle(maxBandwidth int64, dynamic bool) *Throttle {
	t := &Throttle{now: time.Now, window: dynamicWindow}
	if maxBandwidth <= 0 {
		return t
	}
	burst := min(max(maxBandwidth/4, minBurst), maxBurst)
	t.max = rate.Limit(maxBandwidth)
	t.dynamic = dynamic
	t.limiter = rate.NewLimiter(t.max, int(burst))
	return t
}

// Limit returns the current limit in bytes per second, 0 when unlimited
func (t *Throttle) Limit() int64 {
	if t == nil || t.limiter == nil {
		return 0
	}
	return int64(t.limiter.Limit())
}

// Reader wraps r so reads honor the limit. Waiting is aborted when ctx is done.
func (t *Throttle) Reader(ctx context.Context, r io.Reader) io.Reader {
	if t == nil || t.limiter == nil {
		return r
	}
	return &throttledReader{ctx: ctx, r: r, t: t}
}

type throttledReader struct {
	ctx context.Context
	r   io.Reader
	t   *Throttle
}

func (tr *throttledReader) Read(p []byte) (int, error) {
	if burst := tr.t.limiter.Burst(); len(p) > burst {
		p = p[:burst]
	}
	n, err := tr.r.Read(p)
	if n > 0 {
		if werr := tr.t.limiter.WaitN(tr.ctx, n); werr != nil {
			return n, werr
		}
		tr.t.observe(n)
	}
	return n, err
}

func (t *Throttle) observe(n int) {
	if !t.dynamic {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if t.winStart.IsZero() {
		t.winStart = now
	}
	t.winBytes += int64(n)
	elapsed := now.Sub(t.winStart)
	if elapsed < t.window {
		return
	}
	t.adjust(float64(t.winBytes) / elapsed.Seconds())
	t.winStart = now
	t.winBytes = 0
}

// adjust applies one AIMD step given the throughput of the last window
func (t *Throttle) adjust(achieved float64) {
	cur := t.limiter.Limit()
	next := cur + t.max/10
	if achieved < float64(cur)/2 {
		next = cur / 2
	}
	next = min(max(next, rate.Limit(minDynamicRate)), t.max)
	t.limiter.SetLimit(next)
}
