package budget

import (
	"context"

	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/oracle"
)

// MeteredOracle charges every call to the tracker carried on the context, under the call
// site's name. Reported usage wins over the estimate.
type MeteredOracle struct {
	inner oracle.Oracle
}

// Meter wraps o.
func Meter(o oracle.Oracle) *MeteredOracle {
	return &MeteredOracle{inner: o}
}

func (m *MeteredOracle) Invoke(ctx context.Context, systemPrompt, userText string) (oracle.Result, error) {
	res, err := m.inner.Invoke(ctx, systemPrompt, userText)
	if t := TrackerFrom(ctx); t != nil {
		site := oracle.CallSite(ctx)
		if err == nil && res.TokensUsed > 0 {
			t.AddTokens(site, res.TokensUsed)
		} else {
			t.AddText(site, systemPrompt+userText+res.Text)
		}
	}
	return res, err
}
