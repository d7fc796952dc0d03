package incident

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fakeProbe(before, after int, dump string) *DeadlockProbe {
	samples := []int{before, after}
	return &DeadlockProbe{
		cfg: DeadlockConfig{ProbeInterval: time.Millisecond, Floor: 100, BlockedFraction: 0.5},
		count: func() int {
			n := samples[0]
			samples = samples[1:]
			return n
		},
		dump: func() (string, error) { return dump, nil },
	}
}

const mostlyBlocked = "goroutine 1 [sync.RWMutex.Lock]:\n\ngoroutine 2 [sync.WaitGroup.Wait]:\n\ngoroutine 3 [select]:\n"
const mostlyIdle = "goroutine 1 [IO wait]:\n\ngoroutine 2 [select]:\n\ngoroutine 3 [semacquire]:\n"

func TestDeadlockProbe(t *testing.T) {
	cases := []struct {
		name          string
		before, after int
		dump          string
		want          bool
	}{
		{"growth with sync majority", 90, 150, mostlyBlocked, true},
		{"no growth", 150, 150, mostlyBlocked, false},
		{"below floor", 10, 50, mostlyBlocked, false},
		{"growth but mostly io", 90, 150, mostlyIdle, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			finding, err := fakeProbe(tc.before, tc.after, tc.dump).Probe(context.Background())
			if err != nil {
				t.Fatalf("probe: %v", err)
			}
			if finding.Suspected != tc.want {
				t.Fatalf("expected suspected=%v, got %+v", tc.want, finding)
			}
		})
	}
}

func TestDeadlockProbeHonoursCancellation(t *testing.T) {
	p := NewDeadlockProbe(DeadlockConfig{ProbeInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Probe(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}
