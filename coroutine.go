package durable

import (
	"fmt"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
)

// dispatcher runs the coroutines of one execution. Every coroutine lives on
// its own goroutine, but control is handed over explicitly so exactly one of
// them runs at a time and the interleaving depends only on creation order
// and on what each coroutine is waiting for.
type dispatcher struct {
	mu         sync.Mutex
	coroutines []*coroutineState
	sequence   int
	executing  bool
	closed     bool
}

// unblockFunc is sent to a blocked coroutine. It runs on the coroutine's
// goroutine and returns true to stay blocked.
type unblockFunc func(status string) (keepBlocked bool)

type coroutineState struct {
	name         string
	dispatcher   *dispatcher
	aboutToBlock chan bool
	unblock      chan unblockFunc
	// keptBlocked is false when the coroutine made progress since it was
	// last resumed.
	keptBlocked bool
	closed      atomic.Bool
	blocked     atomic.Bool
	panicErr    *PanicError
}

func newDispatcher() *dispatcher {
	return &dispatcher{}
}

// newCoroutine registers fn to run as a coroutine. It starts on the next
// call to executeUntilAllBlocked, after all coroutines created before it.
func (d *dispatcher) newCoroutine(name string, fn func(state *coroutineState)) *coroutineState {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		panic("dispatcher is closed")
	}
	d.sequence++
	if name == "" {
		name = fmt.Sprintf("%d", d.sequence)
	}
	s := &coroutineState{
		name:         name,
		dispatcher:   d,
		aboutToBlock: make(chan bool, 1),
		unblock:      make(chan unblockFunc),
	}
	d.coroutines = append(d.coroutines, s)
	go func() {
		defer s.close()
		defer func() {
			if r := recover(); r != nil {
				s.panicErr = &PanicError{Value: r, StackTrace: stackTrace(3)}
			}
		}()
		s.initialYield("created")
		fn(s)
	}()
	return s
}

// executeUntilAllBlocked resumes coroutines round-robin in creation order
// until none of them can make progress. It returns the first panic raised by
// a coroutine.
func (d *dispatcher) executeUntilAllBlocked() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher is closed")
	}
	if d.executing {
		d.mu.Unlock()
		panic("dispatcher is already executing")
	}
	d.executing = true
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.executing = false
		d.mu.Unlock()
	}()

	allBlocked := false
	for !allBlocked {
		d.mu.Lock()
		lastSequence := d.sequence
		d.mu.Unlock()
		allBlocked = true
		for i := 0; i < d.count(); i++ {
			c := d.at(i)
			if !c.closed.Load() {
				c.call()
			}
			if c.closed.Load() {
				d.remove(i)
				i--
				if c.panicErr != nil {
					err := c.panicErr
					c.panicErr = nil
					return err
				}
				allBlocked = false
				continue
			}
			allBlocked = allBlocked && c.keptBlocked
		}
		d.mu.Lock()
		allBlocked = allBlocked && lastSequence == d.sequence
		empty := len(d.coroutines) == 0
		d.mu.Unlock()
		if empty {
			break
		}
	}
	return nil
}

func (d *dispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.coroutines)
}

func (d *dispatcher) at(i int) *coroutineState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.coroutines[i]
}

func (d *dispatcher) remove(i int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.coroutines = append(d.coroutines[:i], d.coroutines[i+1:]...)
}

// isDone reports whether every coroutine has finished.
func (d *dispatcher) isDone() bool {
	return d.count() == 0
}

// close terminates all coroutines. It must not be called while executing.
func (d *dispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	coroutines := append([]*coroutineState(nil), d.coroutines...)
	d.coroutines = nil
	d.mu.Unlock()
	for _, c := range coroutines {
		c.exit()
	}
}

// stackTraces describes every live coroutine and what it is blocked on.
func (d *dispatcher) stackTraces() string {
	d.mu.Lock()
	coroutines := append([]*coroutineState(nil), d.coroutines...)
	d.mu.Unlock()
	var b strings.Builder
	for _, c := range coroutines {
		if trace := c.stackTrace(); trace != "" {
			b.WriteString(trace)
			b.WriteString("\n")
		}
	}
	return b.String()
}

// call resumes the coroutine and waits until it blocks or finishes.
func (s *coroutineState) call() {
	s.unblock <- func(status string) bool {
		return false
	}
	<-s.aboutToBlock
}

// initialYield parks the coroutine until the dispatcher resumes it.
func (s *coroutineState) initialYield(status string) {
	if s.blocked.Swap(true) {
		panic("coroutine is already blocked: a blocking call was made with a context that belongs to another coroutine")
	}
	for keepBlocked := true; keepBlocked; {
		f := <-s.unblock
		keepBlocked = f(status)
	}
	s.blocked.Store(false)
}

// yield hands control back to the dispatcher. The caller re-checks its wait
// condition when yield returns.
func (s *coroutineState) yield(status string) {
	s.aboutToBlock <- true
	s.initialYield(status)
	s.keptBlocked = true
}

// unblocked records that the coroutine made progress.
func (s *coroutineState) unblocked() {
	s.keptBlocked = false
}

func (s *coroutineState) close() {
	s.closed.Store(true)
	s.aboutToBlock <- true
}

func (s *coroutineState) exit() {
	if !s.closed.Load() {
		s.unblock <- func(status string) bool {
			runtime.Goexit()
			return true
		}
	}
}

func (s *coroutineState) stackTrace() string {
	if s.closed.Load() {
		return ""
	}
	result := make(chan string, 1)
	s.unblock <- func(status string) bool {
		result <- fmt.Sprintf("coroutine %s [%s]:\n%s", s.name, status, stackTrace(3))
		return true
	}
	return <-result
}

// stackTrace formats the calling goroutine's stack, skipping runtime frames
// and the given number of callers.
func stackTrace(skip int) string {
	pcs := make([]uintptr, 64)
	n := runtime.Callers(skip, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	var b strings.Builder
	for {
		frame, more := frames.Next()
		if !strings.HasPrefix(frame.Function, "runtime.") {
			fmt.Fprintf(&b, "%s\n\t%s:%d\n", frame.Function, frame.File, frame.Line)
		}
		if !more {
			break
		}
	}
	return b.String()
}
