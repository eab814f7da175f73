// Package progress computes live speed, ETA and percent for one transfer.
package progress

import (
	"math"
	"sync"
	"time"

	"transferpool/internal/domain"
)

type Func func(info domain.TransferInfo, p domain.TransferProgress)

type Options struct {
	// Quiet keeps counting bytes but never calls the progress func.
	Quiet bool
	// Now defaults to time.Now.
	Now func() time.Time
}

// Tracker lives exactly as long as the task body running its transfer.
type Tracker struct {
	info       domain.TransferInfo
	quiet      bool
	onProgress Func
	now        func() time.Time
	start      time.Time

	mu    sync.Mutex
	bytes int64
}

func NewTracker(info domain.TransferInfo, opts Options, onProgress Func) *Tracker {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Tracker{
		info:       info,
		quiet:      opts.Quiet,
		onProgress: onProgress,
		now:        opts.Now,
		start:      opts.Now(),
		bytes:      info.StartAt,
	}
}

func (t *Tracker) Info() domain.TransferInfo {
	return t.info
}

// Elapsed returns the seconds since the tracker was created.
func (t *Tracker) Elapsed() float64 {
	return t.now().Sub(t.start).Seconds()
}

func (t *Tracker) Bytes() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bytes
}

func (t *Tracker) Speed() int64 {
	return t.Snapshot().Speed
}

func (t *Tracker) ETA() *int64 {
	return t.Snapshot().ETA
}

func (t *Tracker) Percent() int {
	return t.Snapshot().Percent
}

func (t *Tracker) Snapshot() domain.TransferProgress {
	t.mu.Lock()
	bytes := t.bytes
	t.mu.Unlock()
	return t.compute(bytes)
}

// Update records the cumulative byte count reported by a strategy and
// forwards a fresh snapshot. It must be called once per reported chunk.
func (t *Tracker) Update(bytes int64) {
	t.mu.Lock()
	t.bytes = bytes
	t.mu.Unlock()
	if t.quiet || t.onProgress == nil {
		return
	}
	t.onProgress(t.info, t.compute(bytes))
}

func (t *Tracker) compute(bytes int64) domain.TransferProgress {
	p := domain.TransferProgress{Bytes: bytes, TotalBytes: t.info.TotalBytes}

	elapsed := t.Elapsed()
	var speed float64
	if elapsed > 0 {
		speed = float64(bytes) / elapsed
	}
	p.Speed = int64(math.Round(speed))
	if speed > 0 {
		eta := int64(math.Round(float64(t.info.TotalBytes)/speed - elapsed))
		p.ETA = &eta
	}
	if t.info.TotalBytes > 0 {
		p.Percent = int(math.Round(float64(bytes) / float64(t.info.TotalBytes) * 100))
	}
	return p
}
