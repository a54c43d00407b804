package engine

import "sync"

// keyedMutex hands out one mutex per key so turnovers serialize their own
// fan-out/join sections without blocking each other. Entries are dropped
// once the last holder releases.
type keyedMutex struct {
	mu sync.Mutex
	m  map[string]*lockState
}

type lockState struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{m: map[string]*lockState{}}
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	s := k.m[key]
	if s == nil {
		s = &lockState{}
		k.m[key] = s
	}
	s.refs++
	k.mu.Unlock()

	s.mu.Lock()
	return func() {
		s.mu.Unlock()
		k.mu.Lock()
		s.refs--
		if s.refs == 0 {
			delete(k.m, key)
		}
		k.mu.Unlock()
	}
}
