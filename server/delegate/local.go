package delegate

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/ocram-io/ocramd/server/tee"
)

// Local is an in-process Transport dispatching to registered components.
type Local struct {
	mu         sync.RWMutex
	components map[uuid.UUID]Component
}

// NewLocal returns an empty Local transport.
func NewLocal() *Local {
	return &Local{components: make(map[uuid.UUID]Component)}
}

// Register makes c reachable under id, replacing any previous registration.
func (l *Local) Register(id uuid.UUID, c Component) {
	l.mu.Lock()
	l.components[id] = c
	l.mu.Unlock()
}

// Unregister removes the component registered under id.
func (l *Local) Unregister(id uuid.UUID) {
	l.mu.Lock()
	delete(l.components, id)
	l.mu.Unlock()
}

// Open returns a session on the component registered under target.
func (l *Local) Open(ctx context.Context, target uuid.UUID) (Session, error) {
	l.mu.RLock()
	c, ok := l.components[target]
	l.mu.RUnlock()
	if !ok {
		return nil, tee.New("open", tee.ErrItemNotFound, tee.OriginTEE)
	}
	return &localSession{component: c}, nil
}

type localSession struct {
	mu        sync.Mutex
	component Component
	closed    bool
}

func (s *localSession) Invoke(ctx context.Context, command uint32, types tee.ParamTypes,
	params *tee.Params) error {

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return tee.New("invoke", tee.ErrBadState, tee.OriginTEE)
	}
	return s.component.Invoke(ctx, command, types, params)
}

func (s *localSession) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
