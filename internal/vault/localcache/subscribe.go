package localcache

// Subscribe registers a callback invoked after every committed mutation
// batch on the given collection. The returned function unsubscribes.
//
// Callbacks run synchronously on the mutating goroutine and must not call
// back into the cache's write methods.
func (c *Cache) Subscribe(collection string, fn func(ChangeEvent)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.listeners[collection] == nil {
		c.listeners[collection] = make(map[int]func(ChangeEvent))
	}
	id := c.nextSub
	c.nextSub++
	c.listeners[collection][id] = fn

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners[collection], id)
	}
}

// notify fans a committed change event out to the collection's subscribers.
func (c *Cache) notify(ev ChangeEvent) {
	c.mu.Lock()
	fns := make([]func(ChangeEvent), 0, len(c.listeners[ev.Collection]))
	for _, fn := range c.listeners[ev.Collection] {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}
