package worker

import (
	"container/list"
	"sync"

	"github.com/deepnoodle-ai/durable"
)

// executionCache keeps recently used executors so consecutive decisions of
// a run are applied incrementally instead of replaying the whole history.
// It is an LRU bounded by size. Pinned executors are in use by a poller,
// and executors whose commands were not accepted yet hold state that cannot
// be rebuilt from history; neither is ever evicted.
type executionCache struct {
	mu      sync.Mutex
	size    int
	order   *list.List
	entries map[durable.WorkflowExecution]*list.Element
	onEvict func(execution durable.WorkflowExecution, reason string)
}

type cacheEntry struct {
	execution durable.WorkflowExecution
	executor  *durable.WorkflowExecutor
	pinned    bool
}

func newExecutionCache(size int, onEvict func(durable.WorkflowExecution, string)) *executionCache {
	return &executionCache{
		size:    size,
		order:   list.New(),
		entries: make(map[durable.WorkflowExecution]*list.Element),
		onEvict: onEvict,
	}
}

// pin returns the cached executor of execution and marks it in use. It
// returns nil when the execution is not cached or is pinned by another
// poller.
func (c *executionCache) pin(execution durable.WorkflowExecution) *durable.WorkflowExecutor {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[execution]
	if !ok {
		return nil
	}
	entry := el.Value.(*cacheEntry)
	if entry.pinned {
		return nil
	}
	entry.pinned = true
	c.order.MoveToFront(el)
	return entry.executor
}

// put stores a pinned executor, replacing any previous one.
func (c *executionCache) put(execution durable.WorkflowExecution, x *durable.WorkflowExecutor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[execution]; ok {
		old := el.Value.(*cacheEntry)
		if old.executor != x {
			old.executor.Close()
		}
		old.executor = x
		old.pinned = true
		c.order.MoveToFront(el)
		return
	}
	c.entries[execution] = c.order.PushFront(&cacheEntry{execution: execution, executor: x, pinned: true})
	c.evictLocked()
}

// unpin releases an executor obtained from pin or stored with put.
func (c *executionCache) unpin(execution durable.WorkflowExecution) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[execution]; ok {
		el.Value.(*cacheEntry).pinned = false
	}
	c.evictLocked()
}

// remove drops and closes the executor of execution.
func (c *executionCache) remove(execution durable.WorkflowExecution, reason string) {
	c.mu.Lock()
	el, ok := c.entries[execution]
	if ok {
		c.removeLocked(el)
	}
	c.mu.Unlock()
	if ok && c.onEvict != nil {
		c.onEvict(execution, reason)
	}
}

// peek returns an unpinned executor without pinning it. Queries use it to
// read state.
func (c *executionCache) peek(execution durable.WorkflowExecution) *durable.WorkflowExecutor {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[execution]
	if !ok || el.Value.(*cacheEntry).pinned {
		return nil
	}
	return el.Value.(*cacheEntry).executor
}

func (c *executionCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// evictLocked drops least recently used entries while over capacity.
func (c *executionCache) evictLocked() {
	for el := c.order.Back(); el != nil && c.order.Len() > c.size; {
		prev := el.Prev()
		entry := el.Value.(*cacheEntry)
		if !entry.pinned && !entry.executor.HasUnflushedCommands() {
			c.removeLocked(el)
			if c.onEvict != nil {
				// Called with the lock held; callbacks must not use the cache.
				c.onEvict(entry.execution, "capacity")
			}
		}
		el = prev
	}
}

func (c *executionCache) removeLocked(el *list.Element) {
	entry := el.Value.(*cacheEntry)
	entry.executor.Close()
	delete(c.entries, entry.execution)
	c.order.Remove(el)
}

func (c *executionCache) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		c.removeLocked(el)
		el = next
	}
}
