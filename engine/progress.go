package engine

import (
	"regexp"
	"strconv"
	"sync"
	"time"
)

// Normalizer folds the engine's two independently unreliable progress
// channels — explicit fractions and free-text status lines carrying an
// elapsed-time clock — into one monotone 0..1 value.
//
// The explicit fraction is authoritative. Elapsed-time parsing is consulted
// only while the fraction channel is stuck at zero, and it only understands
// the engine's time=HH:MM:SS.cc clock format; there is no unit guessing.
type Normalizer struct {
	mu        sync.Mutex
	target    time.Duration
	published float64
	sawFrac   bool
	publish   func(float64)
}

var timeTokenRE = regexp.MustCompile(`time=(\d+):(\d{2}):(\d{2})(?:\.(\d+))?`)

// NewNormalizer builds a normalizer for one job. target is the expected
// media duration; zero disables the time channel. publish receives every
// strictly increasing value and may be nil.
func NewNormalizer(target time.Duration, publish func(float64)) *Normalizer {
	return &Normalizer{target: target, publish: publish}
}

// Observe consumes one engine event and returns the current published value.
func (n *Normalizer) Observe(evt Event) float64 {
	switch evt.Type {
	case EventProgress:
		return n.observeFraction(evt.Fraction)
	case EventLog:
		return n.observeLine(evt.Line)
	default:
		return n.Value()
	}
}

func (n *Normalizer) observeFraction(frac float64) float64 {
	if frac < 0 {
		return n.Value()
	}
	if frac > 1 {
		frac = 1
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if frac > 0 {
		n.sawFrac = true
	}
	return n.advance(frac)
}

func (n *Normalizer) observeLine(line string) float64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	// Once the fraction channel moves it stays authoritative.
	if n.sawFrac || n.target <= 0 {
		return n.published
	}
	elapsed, ok := parseTimeToken(line)
	if !ok {
		return n.published
	}
	frac := float64(elapsed) / float64(n.target)
	if frac > 1 {
		frac = 1
	}
	return n.advance(frac)
}

// advance publishes max(previous, next); progress never visibly regresses
// even when one channel momentarily reports less than the other already did.
func (n *Normalizer) advance(next float64) float64 {
	if next <= n.published {
		return n.published
	}
	n.published = next
	if n.publish != nil {
		n.publish(next)
	}
	return n.published
}

// Value returns the last published fraction.
func (n *Normalizer) Value() float64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.published
}

func parseTimeToken(line string) (time.Duration, bool) {
	match := timeTokenRE.FindStringSubmatch(line)
	if match == nil {
		return 0, false
	}
	hours, _ := strconv.Atoi(match[1])
	minutes, _ := strconv.Atoi(match[2])
	seconds, _ := strconv.Atoi(match[3])
	elapsed := time.Duration(hours)*time.Hour +
		time.Duration(minutes)*time.Minute +
		time.Duration(seconds)*time.Second
	if match[4] != "" {
		frac := "0." + match[4]
		if f, err := strconv.ParseFloat(frac, 64); err == nil {
			elapsed += time.Duration(f * float64(time.Second))
		}
	}
	return elapsed, true
}
