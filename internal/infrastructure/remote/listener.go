package remote

import (
	"sync"

	"github.com/storefront/backend/internal/domain/document"
)

// memoryListener delivers callbacks in order on its own goroutine, so writers
// never block on slow subscribers.
type memoryListener struct {
	source     *MemorySource
	collection string
	query      document.Query
	onSnapshot document.SnapshotFunc
	onError    document.ErrorFunc

	mu      sync.Mutex
	pending []func()
	stopped bool
	wake    chan struct{}
	done    chan struct{}
}

func newMemoryListener(s *MemorySource, collection string, q document.Query, onSnapshot document.SnapshotFunc, onError document.ErrorFunc) *memoryListener {
	l := &memoryListener{
		source:     s,
		collection: collection,
		query:      q,
		onSnapshot: onSnapshot,
		onError:    onError,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *memoryListener) push(fn func()) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.pending = append(l.pending, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// fail delivers err and ends the listener.
func (l *memoryListener) fail(err error) {
	l.push(func() {
		l.onError(err)
		l.mu.Lock()
		l.stopped = true
		l.pending = nil
		l.mu.Unlock()
	})
}

func (l *memoryListener) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped || len(l.pending) == 0 {
		return nil, false
	}
	fn := l.pending[0]
	l.pending = l.pending[1:]
	return fn, true
}

func (l *memoryListener) run() {
	defer close(l.done)
	for {
		<-l.wake
		for {
			fn, ok := l.next()
			if !ok {
				break
			}
			fn()
		}
		l.mu.Lock()
		stopped := l.stopped
		l.mu.Unlock()
		if stopped {
			return
		}
	}
}

// Stop implements document.Listener
func (l *memoryListener) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	l.pending = nil
	l.mu.Unlock()
	l.source.detach(l)
	select {
	case l.wake <- struct{}{}:
	default:
	}
}
