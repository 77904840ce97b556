package durable

import (
	"fmt"
	"sort"
	"strings"
)

// router delivers signals to signal channels or handlers and dispatches
// queries to their handlers. Signals that arrive before workflow code asks for
// them are buffered in arrival order.
type router struct {
	env      *environment
	channels map[string]*channel
	handlers map[string]SignalHandler
	pending  map[string][]Payload
	queries  map[string]QueryHandler
}

func newRouter(env *environment) *router {
	return &router{
		env:      env,
		channels: make(map[string]*channel),
		handlers: make(map[string]SignalHandler),
		pending:  make(map[string][]Payload),
		queries:  make(map[string]QueryHandler),
	}
}

// deliverSignal routes one signal. It returns false when the signal was
// buffered because nothing is listening for it yet.
func (r *router) deliverSignal(name string, payload Payload) bool {
	if r.env.terminalIssued {
		r.pending[name] = append(r.pending[name], payload)
		return false
	}
	if h, ok := r.handlers[name]; ok {
		r.runHandler(name, h, payload)
		return true
	}
	if c, ok := r.channels[name]; ok {
		c.deliver(payload)
		return true
	}
	r.pending[name] = append(r.pending[name], payload)
	return false
}

func (r *router) runHandler(name string, h SignalHandler, payload Payload) {
	r.env.spawn("signal:"+name, r.env.rootScope, func(ctx Context) {
		h(ctx, payload)
	})
}

func (r *router) signalChannel(name string) ReceiveChannel {
	if c, ok := r.channels[name]; ok {
		return c
	}
	// Creating the channel consumes buffered signals.
	if err := r.env.checkMutation(); err != nil {
		panic(err)
	}
	c := newChannel(name, -1)
	for _, p := range r.pending[name] {
		c.deliver(p)
	}
	delete(r.pending, name)
	r.channels[name] = c
	return c
}

func (r *router) setSignalHandler(name string, h SignalHandler) error {
	if name == "" {
		return fmt.Errorf("signal name is required")
	}
	if h == nil {
		return fmt.Errorf("signal handler for %q is nil", name)
	}
	if _, ok := r.channels[name]; ok {
		return fmt.Errorf("signal %q is already delivered to a channel", name)
	}
	r.handlers[name] = h
	for _, p := range r.pending[name] {
		r.runHandler(name, h, p)
	}
	delete(r.pending, name)
	return nil
}

func (r *router) setQueryHandler(name string, h QueryHandler) error {
	if name == "" || strings.HasPrefix(name, "__") {
		return fmt.Errorf("invalid query type %q", name)
	}
	if h == nil {
		return fmt.Errorf("query handler for %q is nil", name)
	}
	r.queries[name] = h
	return nil
}

// query runs the handler for name against the current workflow state.
func (r *router) query(name string, args Payload) (any, error) {
	if name == QueryTypeStackTrace {
		return r.env.dispatcher.stackTraces(), nil
	}
	h, ok := r.queries[name]
	if !ok {
		return nil, &NotFoundError{Kind: "query", Name: name,
			Message: fmt.Sprintf("unknown query type %q, known types: %s", name, strings.Join(r.queryTypes(), ", "))}
	}
	return h(args)
}

func (r *router) queryTypes() []string {
	names := []string{QueryTypeStackTrace}
	for name := range r.queries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// unhandledSignals reports one NotFoundError per buffered signal, sorted by
// signal name.
func (r *router) unhandledSignals() []error {
	names := make([]string, 0, len(r.pending))
	for name := range r.pending {
		names = append(names, name)
	}
	sort.Strings(names)
	var errs []error
	for _, name := range names {
		for range r.pending[name] {
			errs = append(errs, &NotFoundError{Kind: "signal", Name: name,
				Message: fmt.Sprintf("no receiver for signal %q", name)})
		}
	}
	return errs
}
