package manager

import (
	"strings"
	"sync"
)

// accumulator collects the full output of the generation in flight. It holds
// every chunk the moment the engine emits it, independent of how commits are
// coalesced onto the wire, so /status can report bytes the client has not
// seen yet. Reset happens at the start of the next generation, never at the
// end of the current one.
type accumulator struct {
	mu sync.Mutex
	b  strings.Builder
}

func (a *accumulator) Reset() {
	a.mu.Lock()
	a.b.Reset()
	a.mu.Unlock()
}

func (a *accumulator) Append(s string) {
	a.mu.Lock()
	a.b.WriteString(s)
	a.mu.Unlock()
}

func (a *accumulator) String() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.b.String()
}

func (a *accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.b.Len()
}
