package dedup

import (
	"fmt"
	"math"
	"sync"
	"time"

	cache "github.com/patrickmn/go-cache"
)

// DefaultWindow is how long a completed fingerprint keeps suppressing
// repeats of the same payload.
const DefaultWindow = 5 * time.Second

// Fingerprint keys a finalized utterance by its shape, not its content.
// Two different utterances with equal sample count, rate and duration
// (to the millisecond) collide and the second one is suppressed.
func Fingerprint(sampleCount, sampleRate int, duration time.Duration) string {
	ms := int64(math.Round(duration.Seconds() * 1000))
	return fmt.Sprintf("%d:%d:%d", sampleCount, sampleRate, ms)
}

// Guard tracks fingerprints that are in flight or were handled recently.
type Guard struct {
	mu         sync.Mutex
	window     time.Duration
	processing map[string]struct{}
	recent     *cache.Cache
}

// NewGuard returns a guard whose completed entries expire after window.
func NewGuard(window time.Duration) *Guard {
	if window <= 0 {
		window = DefaultWindow
	}
	cleanup := window / 2
	if cleanup < 100*time.Millisecond {
		cleanup = 100 * time.Millisecond
	}
	return &Guard{
		window:     window,
		processing: make(map[string]struct{}),
		recent:     cache.New(cache.NoExpiration, cleanup),
	}
}

// Acquire claims fp. It returns false when fp is in flight or was handled
// within the window; the caller must then drop the request.
func (g *Guard) Acquire(fp string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.processing[fp]; busy {
		return false
	}
	if err := g.recent.Add(fp, struct{}{}, cache.NoExpiration); err != nil {
		return false
	}
	g.processing[fp] = struct{}{}
	return true
}

// Complete marks fp as settled. It leaves the in-flight set at once and
// stays in the recent set until the window elapses.
func (g *Guard) Complete(fp string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.processing, fp)
	g.recent.Set(fp, struct{}{}, g.window)
}

// Release forgets fp entirely so a retry with the same fingerprint is
// accepted.
func (g *Guard) Release(fp string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.processing, fp)
	g.recent.Delete(fp)
}

// InFlight reports whether fp is currently being processed.
func (g *Guard) InFlight(fp string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.processing[fp]
	return ok
}

// Recent reports whether fp is inside the debounce window.
func (g *Guard) Recent(fp string) bool {
	_, ok := g.recent.Get(fp)
	return ok
}
