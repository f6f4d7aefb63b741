package vault

import (
	"context"
	"fmt"

	"github.com/systmms/teamvault/internal/audit"
	"github.com/systmms/teamvault/internal/breakglass"
)

// RequestBreakGlass issues an emergency token. The returned secret is shown
// once and never stored.
func (v *Vault) RequestBreakGlass(ctx context.Context, req breakglass.CreateRequest) (string, error) {
	return v.breakglass.CreateToken(ctx, req)
}

// UseBreakGlass consumes the token for usedBy and records the action it
// authorises. A token is honoured exactly once.
func (v *Vault) UseBreakGlass(ctx context.Context, secret, action, usedBy string) error {
	if err := v.breakglass.ValidateToken(ctx, secret, usedBy); err != nil {
		return err
	}
	_ = v.auditor.Critical(ctx, audit.EventBreakGlassUsed, usedBy,
		fmt.Sprintf("break-glass action by %s: %s", usedBy, action),
		map[string]string{"action": action, "token_id": breakglass.TokenID(secret)})
	return nil
}
