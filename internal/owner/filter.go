package owner

import (
	"encoding/json"
	"strconv"

	"trade_sync/internal/domain"
	"trade_sync/internal/event"
)

// admit applies the emission rules to a decoded payload and returns the
// payload to deliver, which differs from the input only for account stats.
// Messages bypass every rule; their recipient check happens downstream.
func admit(kind event.Kind, payload any, account domain.AccountID) (any, bool) {
	if kind == event.KindMessage {
		return payload, true
	}
	if !hasPayload(payload) {
		return nil, false
	}

	switch kind {
	case event.KindPositions:
		list, ok := payload.([]any)
		if !ok {
			return nil, false
		}
		first, ok := list[0].(map[string]any)
		if !ok || !accountMatches(first, account) {
			return nil, false
		}
		return payload, true

	case event.KindAccount:
		if m, ok := payload.(map[string]any); ok {
			payload = flattenAccount(m)
		}

	case event.KindOCOOrders:
		m, _ := payload.(map[string]any)
		oco1, ok := m["oco1"].(map[string]any)
		if !ok || !accountMatches(oco1, account) {
			return nil, false
		}
		return payload, true
	}

	if m, ok := payload.(map[string]any); ok {
		if v, has := m["account"]; has && !sameAccount(v, account) {
			return nil, false
		}
	}
	return payload, true
}

// hasPayload rejects vacuous pushes: null, {} and [].
func hasPayload(payload any) bool {
	switch v := payload.(type) {
	case nil:
		return false
	case map[string]any:
		return len(v) > 0
	case []any:
		return len(v) > 0
	default:
		return true
	}
}

func accountMatches(m map[string]any, account domain.AccountID) bool {
	v, ok := m["account"]
	return ok && sameAccount(v, account)
}

func sameAccount(v any, account domain.AccountID) bool {
	switch a := v.(type) {
	case string:
		return domain.AccountID(a) == account
	case json.Number:
		return domain.AccountID(a.String()) == account
	case float64:
		return domain.AccountID(strconv.FormatFloat(a, 'f', -1, 64)) == account
	default:
		return false
	}
}

// accountContainers are flattened into prefixed keys.
var accountContainers = []string{"daily", "total"}

// flattenAccount turns {"daily":{"pl":1}} into {"daily_pl":1} and drops the
// nested containers.
func flattenAccount(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	for _, c := range accountContainers {
		nested, ok := out[c]
		if !ok {
			continue
		}
		delete(out, c)
		sub, ok := nested.(map[string]any)
		if !ok {
			continue
		}
		for k, v := range sub {
			out[c+"_"+k] = v
		}
	}
	return out
}
