package execution

import (
	"fmt"
	"sync"

	"github.com/tathienbao/maker-exec/internal/types"
)

// Guard allows at most one active intent per instrument and side.
type Guard struct {
	mu     sync.Mutex
	active map[types.InstrumentKey]string
}

// NewGuard creates an empty guard.
func NewGuard() *Guard {
	return &Guard{active: make(map[types.InstrumentKey]string)}
}

// Acquire claims key for intentID. The returned release func is
// idempotent and frees the slot only if intentID still holds it.
func (g *Guard) Acquire(key types.InstrumentKey, intentID string) (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if holder, ok := g.active[key]; ok {
		return nil, fmt.Errorf("%s held by intent %s: %w", key, holder, types.ErrIntentActive)
	}
	g.active[key] = intentID

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			defer g.mu.Unlock()
			if g.active[key] == intentID {
				delete(g.active, key)
			}
		})
	}, nil
}
