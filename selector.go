package durable

// Selector waits on several futures and channels at once. Select runs the
// callback of the first ready case in the order the cases were added, so the
// choice is the same on every replay.
type Selector interface {
	AddFuture(f Future, fn func(f Future)) Selector
	// AddReceive fires when c has a value. The callback must receive it.
	AddReceive(c ReceiveChannel, fn func(c ReceiveChannel, more bool)) Selector
	AddDefault(fn func()) Selector
	// Select blocks until one case fires its callback.
	Select(ctx Context)
	// HasPending reports whether a case is ready to fire without blocking.
	HasPending() bool
}

type selectCase struct {
	future    Future
	futureFn  func(f Future)
	fired     bool
	channel   *channel
	receiveFn func(c ReceiveChannel, more bool)
}

type selector struct {
	name      string
	cases     []*selectCase
	defaultFn func()
}

func newSelector(name string) *selector {
	return &selector{name: name}
}

func (s *selector) AddFuture(f Future, fn func(f Future)) Selector {
	s.cases = append(s.cases, &selectCase{future: f, futureFn: fn})
	return s
}

func (s *selector) AddReceive(c ReceiveChannel, fn func(c ReceiveChannel, more bool)) Selector {
	ch, ok := c.(*channel)
	if !ok {
		panic("selector only supports channels created by the workflow context")
	}
	s.cases = append(s.cases, &selectCase{channel: ch, receiveFn: fn})
	return s
}

func (s *selector) AddDefault(fn func()) Selector {
	s.defaultFn = fn
	return s
}

func (s *selector) Select(ctx Context) {
	state := stateOf(ctx)
	for {
		if c := s.readyCase(); c != nil {
			state.unblocked()
			s.fire(c)
			return
		}
		if s.defaultFn != nil {
			state.unblocked()
			s.defaultFn()
			return
		}
		state.yield("blocked on " + s.name + ".Select")
	}
}

func (s *selector) HasPending() bool {
	return s.readyCase() != nil
}

// readyCase returns the first case that can fire. A future case fires at
// most once.
func (s *selector) readyCase() *selectCase {
	for _, c := range s.cases {
		switch {
		case c.future != nil:
			if !c.fired && c.future.IsReady() {
				return c
			}
		case c.channel != nil:
			if c.channel.canReceive() {
				return c
			}
		}
	}
	return nil
}

func (s *selector) fire(c *selectCase) {
	if c.future != nil {
		c.fired = true
		c.futureFn(c.future)
		return
	}
	c.receiveFn(c.channel, !c.channel.closed || c.channel.Len() > 0)
}
