package actor

import "sync"

// Offload runs fn on its own goroutine so a component's loop can keep serving
// its mailbox while blocking work (directory walks, large merges) is in flight.
// The returned channel receives exactly one value.
func Offload[R any](fn func() R) <-chan R {
	out := make(chan R, 1)
	go func() {
		out <- fn()
	}()
	return out
}

// Group tracks the goroutines a component started so it can join them on exit.
type Group struct {
	wg sync.WaitGroup
}

// Go runs fn on a new goroutine tracked by the group.
func (g *Group) Go(fn func()) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		fn()
	}()
}

// Wait blocks until every goroutine started with Go has returned.
func (g *Group) Wait() {
	g.wg.Wait()
}
