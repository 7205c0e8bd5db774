package connection

import "sync"

// workers counts the goroutines a Manager runs.
//
// Unlike a sync.WaitGroup, a goroutine may step out of the count while it
// runs event listeners and step back in afterwards. A listener can then call
// into code that waits for the manager, such as an exit, without waiting on
// itself.
type workers struct {
	mu     sync.Mutex
	idle   *sync.Cond
	active int
}

func newWorkers() *workers {
	w := &workers{}
	w.idle = sync.NewCond(&w.mu)

	return w
}

// Go runs fn on a counted goroutine.
func (w *workers) Go(fn func()) {
	w.add(1)

	go func() {
		defer w.add(-1)

		fn()
	}()
}

// Outside runs fn with the calling goroutine left out of the count. It must
// be called from a goroutine started by Go.
func (w *workers) Outside(fn func()) {
	w.add(-1)
	defer w.add(1)

	fn()
}

// Wait blocks until no counted goroutine is running.
func (w *workers) Wait() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for w.active > 0 {
		w.idle.Wait()
	}
}

func (w *workers) add(n int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.active += n
	if w.active == 0 {
		w.idle.Broadcast()
	}
}
