package capture

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/signal-slot/kmsvnc/internal/kmserr"
)

// Capturer republishes a Source's latest frame under a read-write lock
// (spec.md §5): one writer (the tick loop) swaps in a new descriptor,
// many readers (sessions) borrow it while hashing/converting tiles.
type Capturer struct {
	src Source
	log zerolog.Logger

	mu     sync.RWMutex
	latest *Frame
	err    error

	transientStreak int
}

// New wraps src. Source ownership transfers to the Capturer (Close
// closes it).
func New(src Source, log zerolog.Logger) *Capturer {
	return &Capturer{src: src, log: log.With().Str("component", "capturer").Logger()}
}

// Tick performs one capture and republishes the result. A
// CaptureTransient error is logged at debug and retained for Latest() to
// surface, keeping the previous frame; it never stops the tick loop, so
// sessions decide when repeated failures end them (three in a row, per
// spec.md §7). Any other capture error is returned.
func (c *Capturer) Tick() error {
	frame, err := c.src.Capture()

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		c.err = err
		if kmserr.Is(err, kmserr.CaptureTransient) {
			c.transientStreak++
			c.log.Debug().Err(err).Int("streak", c.transientStreak).Msg("capture tick failed")
			return nil
		}
		return err
	}

	c.transientStreak = 0
	c.latest = frame
	c.err = nil
	return nil
}

// Latest returns the most recently captured frame, or the last error if
// the most recent tick failed.
func (c *Capturer) Latest() (*Frame, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latest, c.err
}

// Run ticks at fps until ctx is cancelled, reporting fatal errors on the
// returned channel (closed on clean shutdown).
func (c *Capturer) Run(ctx context.Context, fps int) <-chan error {
	fatal := make(chan error, 1)
	if fps <= 0 {
		fps = 30
	}
	limiter := rate.NewLimiter(rate.Limit(fps), 1)

	go func() {
		defer close(fatal)
		for {
			if err := limiter.Wait(ctx); err != nil {
				return // context cancelled
			}
			if err := c.Tick(); err != nil {
				fatal <- err
				return
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
		}
	}()
	return fatal
}

func (c *Capturer) Close() error {
	return c.src.Close()
}

// Geometry returns the latest known width/height, used to size the
// uinput touch device's absolute axes at start-up.
func (c *Capturer) Geometry() (width, height int, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.latest == nil {
		return 0, 0, false
	}
	return c.latest.Width, c.latest.Height, true
}

// WaitFirstFrame blocks until the first successful tick or ctx expiry.
func (c *Capturer) WaitFirstFrame(ctx context.Context) error {
	t := time.NewTicker(10 * time.Millisecond)
	defer t.Stop()
	for {
		if _, _, ok := c.Geometry(); ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}
