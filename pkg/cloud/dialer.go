package cloud

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/cumulus/pkg/types"
)

// DialFunc opens a session for one set of credentials
type DialFunc func(ctx context.Context, creds *types.Credentials) (Connector, error)

// Dialer opens backend sessions. Sessions are opened per handler invocation
// and never cached, since credentials may change between calls.
type Dialer interface {
	Dial(ctx context.Context, creds *types.Credentials) (Connector, error)
}

// Registry dispatches Dial to the implementation registered for the
// credentials' provider type
type Registry struct {
	mu      sync.RWMutex
	dialers map[types.ProviderType]DialFunc
}

// NewRegistry creates an empty provider registry
func NewRegistry() *Registry {
	return &Registry{dialers: make(map[types.ProviderType]DialFunc)}
}

// Register installs fn for provider type t, replacing any previous entry
func (r *Registry) Register(t types.ProviderType, fn DialFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dialers[t] = fn
}

// Dial opens a session. Every failure is reported as a *ConnectionError.
func (r *Registry) Dial(ctx context.Context, creds *types.Credentials) (Connector, error) {
	if creds == nil {
		return nil, &ConnectionError{Provider: "unknown", Err: fmt.Errorf("no credentials")}
	}

	r.mu.RLock()
	fn, ok := r.dialers[creds.Provider.Type]
	r.mu.RUnlock()

	provider := string(creds.Provider.Type)
	if !ok {
		return nil, &ConnectionError{Provider: provider, Err: fmt.Errorf("unsupported provider type %q", provider)}
	}

	conn, err := fn(ctx, creds)
	if err != nil {
		if IsConnection(err) {
			return nil, err
		}
		return nil, &ConnectionError{Provider: provider, Err: err}
	}
	return conn, nil
}
