package durable

import (
	"fmt"
	"reflect"
)

// Future is the result of an asynchronous operation started by workflow
// code. Get blocks the calling coroutine until the result is available.
type Future interface {
	// Get waits for the result and decodes it into valuePtr, which may be nil.
	Get(ctx Context, valuePtr any) error
	// IsReady reports whether Get would return without blocking.
	IsReady() bool
}

// ChildWorkflowFuture is returned when starting a child workflow
type ChildWorkflowFuture interface {
	Future
	// GetChildWorkflowExecution resolves to the WorkflowExecution of the child
	// once the child has started.
	GetChildWorkflowExecution() Future
}

// Settable completes a future created with NewFuture
type Settable interface {
	Set(value any, err error)
	SetValue(value any)
	SetError(err error)
	// Chain completes this future with the result of another one.
	Chain(f Future)
}

type future struct {
	ready     bool
	value     any
	err       error
	callbacks []func()
	chained   []*future
}

// NewFuture returns a future and its settable side. Both may only be used in
// coroutines of the same execution.
func NewFuture(ctx Context) (Future, Settable) {
	f := &future{}
	return f, f
}

func newFuture() *future {
	return &future{}
}

func (f *future) Get(ctx Context, valuePtr any) error {
	state := stateOf(ctx)
	for !f.ready {
		state.yield("blocked on future")
	}
	state.unblocked()
	if f.err != nil {
		return f.err
	}
	return assignValue(f.value, valuePtr)
}

func (f *future) IsReady() bool {
	return f.ready
}

func (f *future) Set(value any, err error) {
	if f.ready {
		panic("future is already set")
	}
	f.ready = true
	f.value = value
	f.err = err
	for _, c := range f.chained {
		c.Set(value, err)
	}
	for _, cb := range f.callbacks {
		cb()
	}
	f.callbacks = nil
	f.chained = nil
}

func (f *future) SetValue(value any) {
	f.Set(value, nil)
}

func (f *future) SetError(err error) {
	f.Set(nil, err)
}

func (f *future) Chain(other Future) {
	o, ok := other.(*future)
	if !ok {
		if cf, isChild := other.(*childWorkflowFuture); isChild {
			o = cf.future
		} else {
			panic(fmt.Sprintf("cannot chain future of type %T", other))
		}
	}
	if o.ready {
		f.Set(o.value, o.err)
		return
	}
	o.chained = append(o.chained, f)
}

// setIfPending completes the future unless it already completed.
func (f *future) setIfPending(value any, err error) {
	if !f.ready {
		f.Set(value, err)
	}
}

type childWorkflowFuture struct {
	*future
	execution *future
}

func (f *childWorkflowFuture) GetChildWorkflowExecution() Future {
	return f.execution
}

// Get waits for f and returns its value decoded as T.
func Get[T any](ctx Context, f Future) (T, error) {
	var v T
	err := f.Get(ctx, &v)
	return v, err
}

// assignValue stores value through valuePtr. Payloads are decoded as JSON;
// other values are assigned directly when the types are compatible.
func assignValue(value any, valuePtr any) error {
	if valuePtr == nil || value == nil {
		return nil
	}
	if p, ok := value.(Payload); ok {
		return p.Decode(valuePtr)
	}
	rv := reflect.ValueOf(valuePtr)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("value pointer must be a non-nil pointer, got %T", valuePtr)
	}
	target := rv.Elem()
	src := reflect.ValueOf(value)
	if src.Type().AssignableTo(target.Type()) {
		target.Set(src)
		return nil
	}
	if src.Type().ConvertibleTo(target.Type()) && src.Kind() == target.Kind() {
		target.Set(src.Convert(target.Type()))
		return nil
	}
	// Fall back to a JSON round trip for structurally compatible values.
	p, err := NewPayload(value)
	if err != nil {
		return err
	}
	return p.Decode(valuePtr)
}
