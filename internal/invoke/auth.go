package invoke

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"toolprobe/pkg/logging"
)

// CredentialRefresher refreshes the credential the connection factory uses.
// How credentials are obtained is outside this engine; implementations are
// consumed through this narrow interface.
type CredentialRefresher interface {
	// Refresh obtains a fresh credential. After it returns, newly created
	// connections authenticate with the refreshed credential.
	Refresh(ctx context.Context) error
}

// AuthInvoker adds one-shot credential refresh on top of an Invoker. When a
// call surfaces an authentication-expiry error, the refresher runs once and
// the whole logical call is re-issued a single time. A second expiry after
// refresh is terminal.
type AuthInvoker struct {
	inv       *Invoker
	refresher CredentialRefresher
}

// NewAuthInvoker wraps an invoker with a credential refresher. A nil
// refresher disables the refresh step; expiry errors then surface directly.
func NewAuthInvoker(inv *Invoker, refresher CredentialRefresher) *AuthInvoker {
	return &AuthInvoker{inv: inv, refresher: refresher}
}

// CallTool performs one logical call with at most one credential refresh.
func (a *AuthInvoker) CallTool(ctx context.Context, tool string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	result, err := a.inv.CallTool(ctx, tool, args)
	if err == nil || !IsAuthExpired(err) || a.refresher == nil {
		return result, err
	}

	logging.Info("Invoker", "Credential expired calling %s, refreshing once", tool)
	if rerr := a.refresher.Refresh(ctx); rerr != nil {
		return nil, rerr
	}
	return a.inv.CallTool(ctx, tool, args)
}

// ListTools mirrors CallTool's one-shot refresh for tool discovery.
func (a *AuthInvoker) ListTools(ctx context.Context) ([]string, error) {
	tools, err := a.inv.ListTools(ctx)
	if err == nil || !IsAuthExpired(err) || a.refresher == nil {
		return tools, err
	}

	logging.Info("Invoker", "Credential expired listing tools, refreshing once")
	if rerr := a.refresher.Refresh(ctx); rerr != nil {
		return nil, rerr
	}
	return a.inv.ListTools(ctx)
}
