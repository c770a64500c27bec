package registry

import "sync"

// userLock is a reference-counted mutex for one username.
type userLock struct {
	mu   sync.Mutex
	refs int
}

// Lock acquires the exclusion boundary for username and returns the function
// that releases it. Holders must not block on socket I/O.
func (r *Registry) Lock(username string) (unlock func()) {
	r.locksMu.Lock()
	l, ok := r.locks[username]
	if !ok {
		l = &userLock{}
		r.locks[username] = l
	}
	l.refs++
	r.locksMu.Unlock()

	l.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Unlock()

			r.locksMu.Lock()
			l.refs--
			if l.refs == 0 {
				delete(r.locks, username)
			}
			r.locksMu.Unlock()
		})
	}
}
