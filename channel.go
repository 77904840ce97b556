package durable

// ReceiveChannel is the receiving side of a workflow channel
type ReceiveChannel interface {
	// Receive blocks until a value is available and stores it in valuePtr.
	// It returns false once the channel is closed and drained.
	Receive(ctx Context, valuePtr any) (more bool)
	// ReceiveAsync stores a value in valuePtr if one is available without
	// blocking.
	ReceiveAsync(valuePtr any) (ok bool)
	// Len returns the number of buffered values.
	Len() int
}

// SendChannel is the sending side of a workflow channel
type SendChannel interface {
	// Send blocks until the value is buffered or taken by a receiver.
	Send(ctx Context, value any)
	// SendAsync buffers the value if there is room.
	SendAsync(value any) (ok bool)
	Close()
}

// Channel is a deterministic replacement for a Go channel. Blocked senders
// and receivers are served in the order they blocked.
type Channel interface {
	ReceiveChannel
	SendChannel
}

type sendRequest struct {
	value     any
	delivered bool
}

type channel struct {
	name string
	// size is the buffer capacity; a negative size means unbounded.
	size    int
	buffer  []any
	senders []*sendRequest
	closed  bool
}

func newChannel(name string, size int) *channel {
	return &channel{name: name, size: size}
}

func (c *channel) Receive(ctx Context, valuePtr any) bool {
	state := stateOf(ctx)
	for {
		if v, ok, more := c.receive(); ok || !more {
			state.unblocked()
			if ok {
				c.assign(v, valuePtr)
			}
			return ok
		}
		state.yield("blocked on " + c.name + ".Receive")
	}
}

func (c *channel) ReceiveAsync(valuePtr any) bool {
	v, ok, _ := c.receive()
	if ok {
		c.assign(v, valuePtr)
	}
	return ok
}

func (c *channel) assign(v any, valuePtr any) {
	if err := assignValue(v, valuePtr); err != nil {
		panic(err)
	}
}

// receive takes the next value. more is false when the channel is closed
// and nothing is left to receive.
func (c *channel) receive() (v any, ok bool, more bool) {
	if len(c.buffer) > 0 {
		v = c.buffer[0]
		c.buffer[0] = nil
		c.buffer = c.buffer[1:]
		// Move the oldest blocked sender into the freed slot.
		if len(c.senders) > 0 {
			s := c.senders[0]
			c.senders = c.senders[1:]
			c.buffer = append(c.buffer, s.value)
			s.delivered = true
		}
		return v, true, true
	}
	if len(c.senders) > 0 {
		s := c.senders[0]
		c.senders = c.senders[1:]
		s.delivered = true
		return s.value, true, true
	}
	if c.closed {
		return nil, false, false
	}
	return nil, false, true
}

// canReceive reports whether Receive would return without blocking.
func (c *channel) canReceive() bool {
	return len(c.buffer) > 0 || len(c.senders) > 0 || c.closed
}

func (c *channel) Send(ctx Context, value any) {
	state := stateOf(ctx)
	if c.SendAsync(value) {
		state.unblocked()
		return
	}
	req := &sendRequest{value: value}
	c.senders = append(c.senders, req)
	for !req.delivered {
		if c.closed {
			panic("send on closed channel " + c.name)
		}
		state.yield("blocked on " + c.name + ".Send")
	}
	state.unblocked()
}

func (c *channel) SendAsync(value any) bool {
	if c.closed {
		panic("send on closed channel " + c.name)
	}
	if len(c.senders) > 0 {
		return false
	}
	if c.size < 0 || len(c.buffer) < c.size {
		c.buffer = append(c.buffer, value)
		return true
	}
	return false
}

// deliver appends a value regardless of capacity. Used for signals, which
// are never dropped.
func (c *channel) deliver(value any) {
	c.buffer = append(c.buffer, value)
}

func (c *channel) Close() {
	c.closed = true
}

func (c *channel) Len() int {
	return len(c.buffer)
}
