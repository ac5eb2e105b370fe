package chat

import "sync"

// CancelToken is an explicit per-turn cancellation flag checked at every
// yield point of a turn.
type CancelToken struct {
	once sync.Once
	done chan struct{}
}

// NewCancelToken returns an uncancelled token.
func NewCancelToken() *CancelToken {
	return &CancelToken{done: make(chan struct{})}
}

// Cancel marks the token cancelled. It is safe to call more than once.
func (token *CancelToken) Cancel() {
	token.once.Do(func() { close(token.done) })
}

// Cancelled reports whether Cancel was called.
func (token *CancelToken) Cancelled() bool {
	select {
	case <-token.done:
		return true
	default:
		return false
	}
}

// Done is closed on cancellation.
func (token *CancelToken) Done() <-chan struct{} {
	return token.done
}

// Registry tracks the active turn token of each thread.
type Registry struct {
	mutex  sync.Mutex
	tokens map[string]*CancelToken
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tokens: map[string]*CancelToken{}}
}

// Begin registers a fresh token for threadID. A turn already running on the
// thread is cancelled.
func (registry *Registry) Begin(threadID string) *CancelToken {
	token := NewCancelToken()
	registry.mutex.Lock()
	previous := registry.tokens[threadID]
	registry.tokens[threadID] = token
	registry.mutex.Unlock()
	if previous != nil {
		previous.Cancel()
	}
	return token
}

// Cancel stops the active turn of threadID and reports whether one existed.
func (registry *Registry) Cancel(threadID string) bool {
	registry.mutex.Lock()
	token := registry.tokens[threadID]
	delete(registry.tokens, threadID)
	registry.mutex.Unlock()
	if token == nil {
		return false
	}
	token.Cancel()
	return true
}

// End forgets token if it is still the active one for threadID.
func (registry *Registry) End(threadID string, token *CancelToken) {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	if registry.tokens[threadID] == token {
		delete(registry.tokens, threadID)
	}
}
