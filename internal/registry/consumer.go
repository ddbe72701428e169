package registry

import "sync"

// Consumer is the identity of a tenant admitted through the proxy and
// bound to one backend port.
type Consumer struct {
	// Namespace and PortName identify the backend resource this tenant is
	// bound to; together they form the display name used in logs and
	// metric labels.
	Namespace string
	PortName  string

	// Tier names the rate-limit policy. It is a back-reference resolved
	// through the tier registry on every admission, never a cached copy,
	// so tier updates propagate without touching consumers.
	Tier string

	// Key is the opaque auth token and the lookup key. Unique across all
	// consumers.
	Key string

	// Network and Version describe the bound backend flavor. They feed
	// upstream resolution, never authentication.
	Network string
	Version string

	// ActiveConnections is the number of connections currently held open
	// by this tenant. Owned by the registry entry; mutated only under the
	// registry lock via Acquire and Release.
	ActiveConnections int64
}

func (c Consumer) String() string {
	return c.Namespace + "." + c.PortName
}

// Consumers is the concurrent tenant registry, keyed by auth token.
// Reads share the lock and return copies, so no caller ever holds a
// mutable alias into the map; writes hold the exclusive lock only for
// the map mutation itself, never across I/O.
type Consumers struct {
	mu    sync.RWMutex
	byKey map[string]Consumer
}

func NewConsumers() *Consumers {
	return &Consumers{byKey: make(map[string]Consumer)}
}

// Get returns a copy of the consumer registered under key.
func (c *Consumers) Get(key string) (Consumer, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	consumer, ok := c.byKey[key]
	return consumer, ok
}

// Upsert inserts or replaces the record under next.Key. When an entry
// already exists, its ActiveConnections carries over: a token rotation or
// tier change must not zero out live traffic accounting mid-flight.
func (c *Consumers) Upsert(next Consumer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.byKey[next.Key]; ok {
		next.ActiveConnections = prev.ActiveConnections
	}
	c.byKey[next.Key] = next
}

// Remove deletes the record under key. Connections already counted
// against the key drain through Release, which tolerates the missing
// entry.
func (c *Consumers) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byKey, key)
}

// Acquire increments the connection count for key and returns the new
// count. Acquiring a key that is no longer registered is a no-op.
func (c *Consumers) Acquire(key string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	consumer, ok := c.byKey[key]
	if !ok {
		return 0
	}
	consumer.ActiveConnections++
	c.byKey[key] = consumer
	return consumer.ActiveConnections
}

// Release decrements the connection count for key and returns the new
// count. Releasing a missing key or a drained counter is a no-op; the
// count never goes negative.
func (c *Consumers) Release(key string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	consumer, ok := c.byKey[key]
	if !ok || consumer.ActiveConnections == 0 {
		return 0
	}
	consumer.ActiveConnections--
	c.byKey[key] = consumer
	return consumer.ActiveConnections
}

func (c *Consumers) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byKey)
}

// Each calls fn with a copy of every registered consumer. The lock is
// held for the duration, so fn must not block.
func (c *Consumers) Each(fn func(Consumer)) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, consumer := range c.byKey {
		fn(consumer)
	}
}
