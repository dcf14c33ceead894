package service

import (
	"sync"

	"github.com/sakif/phone-profile/internal/model"
	"github.com/sakif/phone-profile/internal/session"
)

// Disposer is implemented by both flows.
type Disposer interface {
	Dispose()
}

// Registry keeps one flow per session. A flow is disposed and forgotten as
// soon as the session identity changes or the session ends, so a login
// flow never outlives the sign-in and a profile flow never outlives the
// sign-out.
type Registry[F Disposer] struct {
	newFlow func(*session.Session) F

	mu    sync.Mutex
	flows map[*session.Session]*registryEntry[F]
}

type registryEntry[F Disposer] struct {
	flow        F
	unsubscribe func()
}

// NewRegistry returns a registry that builds flows with newFlow.
func NewRegistry[F Disposer](newFlow func(*session.Session) F) *Registry[F] {
	return &Registry[F]{newFlow: newFlow, flows: make(map[*session.Session]*registryEntry[F])}
}

// Get returns the flow for s, creating it on first use. A session that has
// already ended gets a disposed flow that is not kept.
func (r *Registry[F]) Get(s *session.Session) F {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.flows[s]; ok {
		return e.flow
	}

	flow := r.newFlow(s)
	unsubscribe, ok := s.Subscribe(func(*model.Identity) { r.Drop(s) })
	if !ok {
		flow.Dispose()
		return flow
	}
	r.flows[s] = &registryEntry[F]{flow: flow, unsubscribe: unsubscribe}
	return flow
}

// Drop disposes and forgets the flow for s, if any.
func (r *Registry[F]) Drop(s *session.Session) {
	r.mu.Lock()
	e, ok := r.flows[s]
	delete(r.flows, s)
	r.mu.Unlock()

	if !ok {
		return
	}
	if e.unsubscribe != nil {
		e.unsubscribe()
	}
	e.flow.Dispose()
}

// Len reports how many flows are live.
func (r *Registry[F]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.flows)
}
