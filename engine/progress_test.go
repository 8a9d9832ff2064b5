package engine

import (
	"testing"
	"time"
)

func TestFractionChannelMonotone(t *testing.T) {
	var published []float64
	n := NewNormalizer(0, func(v float64) { published = append(published, v) })

	n.Observe(Event{Type: EventProgress, Fraction: 0.2})
	n.Observe(Event{Type: EventProgress, Fraction: 0.5})
	n.Observe(Event{Type: EventProgress, Fraction: 0.3})
	n.Observe(Event{Type: EventProgress, Fraction: 0.5})

	if got := n.Value(); got != 0.5 {
		t.Fatalf("Value = %v, want 0.5", got)
	}
	if len(published) != 2 || published[0] != 0.2 || published[1] != 0.5 {
		t.Fatalf("published = %v, want strictly increasing [0.2 0.5]", published)
	}
}

func TestFractionClampedToOne(t *testing.T) {
	n := NewNormalizer(0, nil)
	n.Observe(Event{Type: EventProgress, Fraction: 1.7})
	if got := n.Value(); got != 1 {
		t.Fatalf("Value = %v, want 1", got)
	}
}

func TestNegativeFractionIgnored(t *testing.T) {
	n := NewNormalizer(0, nil)
	n.Observe(Event{Type: EventProgress, Fraction: 0.4})
	n.Observe(Event{Type: EventProgress, Fraction: -1})
	if got := n.Value(); got != 0.4 {
		t.Fatalf("Value = %v, want 0.4", got)
	}
}

func TestTimeTokenWhileFractionStuckAtZero(t *testing.T) {
	n := NewNormalizer(100*time.Second, nil)

	n.Observe(Event{Type: EventLog, Line: "frame= 120 time=00:00:25.00 bitrate=N/A"})
	if got := n.Value(); got != 0.25 {
		t.Fatalf("Value = %v, want 0.25", got)
	}

	// Once the fraction channel moves it takes over for good.
	n.Observe(Event{Type: EventProgress, Fraction: 0.3})
	n.Observe(Event{Type: EventLog, Line: "time=00:01:30.00"})
	if got := n.Value(); got != 0.3 {
		t.Fatalf("time channel should be ignored after fractions move, got %v", got)
	}
}

func TestTimeChannelDisabledWithoutTarget(t *testing.T) {
	n := NewNormalizer(0, nil)
	n.Observe(Event{Type: EventLog, Line: "time=00:00:10.00"})
	if got := n.Value(); got != 0 {
		t.Fatalf("no target duration, Value = %v, want 0", got)
	}
}

func TestTimeChannelClampedToOne(t *testing.T) {
	n := NewNormalizer(10*time.Second, nil)
	n.Observe(Event{Type: EventLog, Line: "time=00:05:00.00"})
	if got := n.Value(); got != 1 {
		t.Fatalf("Value = %v, want 1", got)
	}
}

func TestParseTimeToken(t *testing.T) {
	cases := []struct {
		line   string
		want   time.Duration
		wantOK bool
	}{
		{"time=00:00:25.50 bitrate=1k", 25*time.Second + 500*time.Millisecond, true},
		{"time=01:02:03", time.Hour + 2*time.Minute + 3*time.Second, true},
		{"no clock here", 0, false},
		{"elapsed 42 units", 0, false},
	}
	for _, tc := range cases {
		got, ok := parseTimeToken(tc.line)
		if ok != tc.wantOK || got != tc.want {
			t.Fatalf("parseTimeToken(%q) = %v, %v; want %v, %v", tc.line, got, ok, tc.want, tc.wantOK)
		}
	}
}

func TestLinesWithoutClockNeverGuessUnits(t *testing.T) {
	// Raw counters with no recognizable clock must not move progress no
	// matter their magnitude.
	n := NewNormalizer(100*time.Second, nil)
	for _, line := range []string{"progress 50", "frame=9000", "75%"} {
		n.Observe(Event{Type: EventLog, Line: line})
	}
	if got := n.Value(); got != 0 {
		t.Fatalf("Value = %v, want 0", got)
	}
}
