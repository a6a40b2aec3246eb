package chat

import (
	"github.com/kitechat/kite/internal/api"
	"github.com/kitechat/kite/internal/quota"
)

// SelectFallback picks a replacement for an unusable model: the first
// model in catalog order that is not excluded, not disabled for this plan
// (limit 0), and not exhausted for the current window. First-fit is
// enough here — the catalog order already encodes preference, most
// capable first.
func SelectFallback(models []api.ModelInfo, exclude string, quotas *quota.Store) (string, bool) {
	for _, m := range models {
		if m.Value == exclude {
			continue
		}
		if q, ok := quotas.Get(m.Value); ok {
			if q.Disabled() || q.Exhausted() {
				continue
			}
		}
		return m.Value, true
	}
	return "", false
}
