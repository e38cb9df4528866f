package shell

import (
	"context"
	"sync"
)

// Fake records commands and answers them from a handler. It is used by
// tests of the packages that shell out.
type Fake struct {
	mu      sync.Mutex
	Calls   []Command
	Handler func(Command) (string, error)
}

func (f *Fake) Run(_ context.Context, c Command) (string, error) {
	f.mu.Lock()
	f.Calls = append(f.Calls, c)
	h := f.Handler
	f.mu.Unlock()

	if h == nil {
		return "", nil
	}
	return h(c)
}

// Commands returns the recorded command lines.
func (f *Fake) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.Calls))
	for i, c := range f.Calls {
		out[i] = c.String()
	}
	return out
}
