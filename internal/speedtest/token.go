package speedtest

import (
	"sync"
	"sync/atomic"
)

// CancelToken is a one-way stop signal shared by a run's workers.
// One controller calls Set; any number of goroutines read it without
// taking a lock. There is no way to clear it. The zero value is an unset
// token ready for use.
type CancelToken struct {
	set      atomic.Bool
	initOnce sync.Once
	setOnce  sync.Once
	done     chan struct{}
}

// NewCancelToken returns an unset token.
func NewCancelToken() *CancelToken {
	return &CancelToken{done: make(chan struct{})}
}

func (t *CancelToken) init() {
	t.initOnce.Do(func() {
		if t.done == nil {
			t.done = make(chan struct{})
		}
	})
}

// Set marks the token as cancelled. Calling it again has no effect.
func (t *CancelToken) Set() {
	t.init()
	t.setOnce.Do(func() {
		t.set.Store(true)
		close(t.done)
	})
}

// IsSet reports whether Set has been called.
func (t *CancelToken) IsSet() bool {
	return t.set.Load()
}

// Done returns a channel that is closed once the token is set.
func (t *CancelToken) Done() <-chan struct{} {
	t.init()
	return t.done
}
