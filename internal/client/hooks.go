package client

import (
	"sort"
	"sync"

	"transferpool/internal/domain"
)

// Hooks receives client events. Nil fields are skipped. Hooks run on the
// goroutine that produced the event and must not block.
type Hooks struct {
	OnConnect          func()
	OnDisconnect       func()
	OnTransferNew      func(info domain.TransferInfo)
	OnTransferAbort    func(ids ...int64)
	OnTransferProgress func(info domain.TransferInfo, p domain.TransferProgress)
	OnTransferFinish   func(info domain.TransferInfo, outcome domain.TransferOutcome)
}

type hookSet struct {
	mu    sync.RWMutex
	next  int
	hooks map[int]Hooks
}

func (s *hookSet) add(h Hooks) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hooks == nil {
		s.hooks = make(map[int]Hooks)
	}
	id := s.next
	s.next++
	s.hooks[id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.hooks, id)
		})
	}
}

// snapshot returns the hooks in subscription order.
func (s *hookSet) snapshot() []Hooks {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]int, 0, len(s.hooks))
	for id := range s.hooks {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]Hooks, len(ids))
	for i, id := range ids {
		out[i] = s.hooks[id]
	}
	return out
}

func (s *hookSet) connect() {
	for _, h := range s.snapshot() {
		if h.OnConnect != nil {
			h.OnConnect()
		}
	}
}

func (s *hookSet) disconnect() {
	for _, h := range s.snapshot() {
		if h.OnDisconnect != nil {
			h.OnDisconnect()
		}
	}
}

func (s *hookSet) transferNew(info domain.TransferInfo) {
	for _, h := range s.snapshot() {
		if h.OnTransferNew != nil {
			h.OnTransferNew(info)
		}
	}
}

func (s *hookSet) transferAbort(ids ...int64) {
	for _, h := range s.snapshot() {
		if h.OnTransferAbort != nil {
			h.OnTransferAbort(ids...)
		}
	}
}

func (s *hookSet) transferProgress(info domain.TransferInfo, p domain.TransferProgress) {
	for _, h := range s.snapshot() {
		if h.OnTransferProgress != nil {
			h.OnTransferProgress(info, p)
		}
	}
}

func (s *hookSet) transferFinish(info domain.TransferInfo, outcome domain.TransferOutcome) {
	for _, h := range s.snapshot() {
		if h.OnTransferFinish != nil {
			h.OnTransferFinish(info, outcome)
		}
	}
}
