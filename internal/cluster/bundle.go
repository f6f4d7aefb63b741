package cluster

import (
	"context"
	"fmt"

	"github.com/systmms/teamvault/pkg/credential"
)

// CredentialSource reads credentials for bundling.
type CredentialSource interface {
	ListKeys(ctx context.Context, pattern string) ([]credential.Key, error)
	Retrieve(ctx context.Context, key credential.Key) (string, error)
}

// AccessChecker decides which names a team may receive.
type AccessChecker interface {
	CanAccess(ctx context.Context, team, name string) (bool, error)
}

// Bundler builds the Secret data for a team: every credential the team may
// access, resolved along its scope chain so the team's own value shadows a
// parent's, which shadows a global one.
type Bundler struct {
	store  CredentialSource
	access AccessChecker
}

// NewBundler creates a bundler.
func NewBundler(store CredentialSource, access AccessChecker) *Bundler {
	return &Bundler{store: store, access: access}
}

// Bundle returns name -> value for team.
func (b *Bundler) Bundle(ctx context.Context, team string) (map[string][]byte, error) {
	data := make(map[string][]byte)
	for _, scope := range credential.ScopeChain(team) {
		keys, err := b.store.ListKeys(ctx, scope+":*")
		if err != nil {
			return nil, fmt.Errorf("bundle %s: %w", team, err)
		}
		for _, key := range keys {
			if key.Scope != scope {
				continue
			}
			if _, seen := data[key.Name]; seen {
				continue
			}
			ok, err := b.access.CanAccess(ctx, team, key.Name)
			if err != nil {
				return nil, fmt.Errorf("bundle %s: %w", team, err)
			}
			if !ok {
				continue
			}
			value, err := b.store.Retrieve(ctx, key)
			if err != nil {
				return nil, fmt.Errorf("bundle %s: %w", team, err)
			}
			data[key.Name] = []byte(value)
		}
	}
	return data, nil
}
