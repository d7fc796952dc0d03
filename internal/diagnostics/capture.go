// Package diagnostics captures goroutine dumps, heap profiles and execution
// traces, and serves them behind an authorization gate.
package diagnostics

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
	"strings"
	"time"

	"github.com/miradorstack/mirador-sre/internal/models"
)

// MaxTraceDuration caps a single execution trace capture.
const MaxTraceDuration = 30 * time.Second

// GoroutineDump returns the full stack of every goroutine in the
// "goroutine N [state]:" text format.
func GoroutineDump() (string, error) {
	var buf bytes.Buffer
	if err := WriteGoroutines(&buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// WriteGoroutines writes a full goroutine dump to w.
func WriteGoroutines(w io.Writer) error {
	p := pprof.Lookup("goroutine")
	if p == nil {
		return fmt.Errorf("goroutine profile unavailable")
	}
	return p.WriteTo(w, 2)
}

// WriteHeap writes a heap profile in pprof protobuf format to w.
func WriteHeap(w io.Writer) error {
	runtime.GC()
	p := pprof.Lookup("heap")
	if p == nil {
		return fmt.Errorf("heap profile unavailable")
	}
	return p.WriteTo(w, 0)
}

// WriteTrace records an execution trace for d, or until ctx is done.
func WriteTrace(ctx context.Context, w io.Writer, d time.Duration) error {
	if d <= 0 {
		d = time.Second
	}
	if d > MaxTraceDuration {
		d = MaxTraceDuration
	}
	if err := trace.Start(w); err != nil {
		return fmt.Errorf("start trace: %w", err)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
	trace.Stop()
	return nil
}

// Capture collects a goroutine dump and heap profile for an incident.
// Partial failures are recorded on the result rather than returned.
func Capture() *models.Diagnostics {
	d := &models.Diagnostics{CapturedAt: time.Now().UTC()}
	var errs []string

	dump, err := GoroutineDump()
	if err != nil {
		errs = append(errs, "goroutines: "+err.Error())
	} else {
		d.GoroutineDump = dump
		summary := ParseDump(dump)
		d.Goroutines = summary.Total
		d.BlockedCount = summary.Blocked
		d.BlockedStates = summary.BlockedStates()
	}

	var heap bytes.Buffer
	if err := WriteHeap(&heap); err != nil {
		errs = append(errs, "heap: "+err.Error())
	} else {
		d.HeapProfile = heap.Bytes()
	}

	d.CaptureErrors = strings.Join(errs, "; ")
	return d
}
