package diagnostics

import (
	"bufio"
	"sort"
	"strings"
)

// syncStates are goroutine wait reasons that indicate blocking on a sync
// primitive rather than on I/O, channels or timers.
var syncStates = []string{
	"semacquire",
	"sync.Mutex.Lock",
	"sync.RWMutex.Lock",
	"sync.RWMutex.RLock",
	"sync.WaitGroup.Wait",
	"sync.Cond.Wait",
}

// DumpSummary counts goroutines by wait state in a goroutine dump.
type DumpSummary struct {
	Total   int
	Blocked int
	States  map[string]int
}

// BlockedFraction is Blocked/Total, or 0 for an empty dump.
func (s DumpSummary) BlockedFraction() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Blocked) / float64(s.Total)
}

// BlockedStates lists the distinct sync wait states seen, sorted.
func (s DumpSummary) BlockedStates() []string {
	var out []string
	for state := range s.States {
		if IsSyncBlocked(state) {
			out = append(out, state)
		}
	}
	sort.Strings(out)
	return out
}

// ParseDump reads "goroutine N [state, duration]:" headers.
func ParseDump(dump string) DumpSummary {
	summary := DumpSummary{States: make(map[string]int)}
	scanner := bufio.NewScanner(strings.NewReader(dump))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		state, ok := headerState(scanner.Text())
		if !ok {
			continue
		}
		summary.Total++
		summary.States[state]++
		if IsSyncBlocked(state) {
			summary.Blocked++
		}
	}
	return summary
}

// IsSyncBlocked reports whether a wait state is a sync primitive wait.
func IsSyncBlocked(state string) bool {
	for _, s := range syncStates {
		if strings.HasPrefix(state, s) {
			return true
		}
	}
	return false
}

func headerState(line string) (string, bool) {
	if !strings.HasPrefix(line, "goroutine ") {
		return "", false
	}
	open := strings.IndexByte(line, '[')
	end := strings.LastIndexByte(line, ']')
	if open < 0 || end <= open {
		return "", false
	}
	state := line[open+1 : end]
	if comma := strings.IndexByte(state, ','); comma >= 0 {
		state = state[:comma]
	}
	return strings.TrimSpace(state), true
}
