package api

import "context"

// publishJSON is best effort: a broker outage must never fail the request
// that triggered the event.
func (a *API) publishJSON(ctx context.Context, subject string, payload map[string]any) {
	if a.store.Bus == nil || subject == "" {
		return
	}
	if err := a.store.Bus.Publish(ctx, subject, payload); err != nil {
		a.logf("publish %s failed: %v", subject, err)
	}
}
