package broadcast

import "sync"

// Memory is an in-process Fabric for single-instance deployments and tests.
// Delivery is synchronous: Publish invokes every subscribed handler before
// returning.
type Memory struct {
	mu       sync.RWMutex
	channels map[string]map[string]Handler // channel -> handle -> handler
	byHandle map[string]string             // handle -> channel
}

// NewMemory creates an empty in-process fabric.
func NewMemory() *Memory {
	return &Memory{
		channels: make(map[string]map[string]Handler),
		byHandle: make(map[string]string),
	}
}

// Subscribe registers the handle on the channel, replacing any subscription
// the handle previously held on another channel.
func (m *Memory) Subscribe(channel, handle string, fn Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.dropLocked(handle)

	subs, ok := m.channels[channel]
	if !ok {
		subs = make(map[string]Handler)
		m.channels[channel] = subs
	}
	subs[handle] = fn
	m.byHandle[handle] = channel
	return nil
}

// Unsubscribe removes the handle's current subscription. Unsubscribing a
// handle that has none is a no-op.
func (m *Memory) Unsubscribe(handle string) error {
	m.mu.Lock()
	m.dropLocked(handle)
	m.mu.Unlock()
	return nil
}

// Publish delivers event to every handler currently subscribed to channel.
func (m *Memory) Publish(channel string, event []byte) error {
	m.mu.RLock()
	handlers := make([]Handler, 0, len(m.channels[channel]))
	for _, fn := range m.channels[channel] {
		handlers = append(handlers, fn)
	}
	m.mu.RUnlock()

	// Invoke outside the lock so a handler may subscribe or unsubscribe.
	for _, fn := range handlers {
		fn(event)
	}
	return nil
}

// Close drops all subscriptions.
func (m *Memory) Close() {
	m.mu.Lock()
	m.channels = make(map[string]map[string]Handler)
	m.byHandle = make(map[string]string)
	m.mu.Unlock()
}

func (m *Memory) dropLocked(handle string) {
	channel, ok := m.byHandle[handle]
	if !ok {
		return
	}
	delete(m.byHandle, handle)
	if subs, ok := m.channels[channel]; ok {
		delete(subs, handle)
		if len(subs) == 0 {
			delete(m.channels, channel)
		}
	}
}
