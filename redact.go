package atoll

import (
	"encoding/json"
	"strings"
)

// redactedPlaceholder replaces secret-bearing values in redacted payloads.
const redactedPlaceholder = "[REDACTED]"

// redactedKeys is the fixed contract set of secret-bearing payload keys.
// A key matches when, lowercased, it equals an entry or ends in "_<entry>"
// (so access_token and bot_api_key are caught). New keys require a
// versioned update here and in the tests.
var redactedKeys = []string{"password", "token", "secret", "authorization", "api_key"}

// Redact returns a copy of a JSON payload with values at secret-bearing keys
// replaced by "[REDACTED]", applied recursively through objects and arrays.
// Non-object payloads pass through unchanged. Unparseable input collapses to
// a bare placeholder rather than leaking.
func Redact(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return json.RawMessage(`"` + redactedPlaceholder + `"`)
	}
	out, err := json.Marshal(redactValue(v))
	if err != nil {
		return json.RawMessage(`"` + redactedPlaceholder + `"`)
	}
	return out
}

func redactValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			if secretKey(k) {
				t[k] = redactedPlaceholder
				continue
			}
			t[k] = redactValue(val)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = redactValue(val)
		}
		return t
	default:
		return v
	}
}

func secretKey(k string) bool {
	k = strings.ToLower(k)
	for _, name := range redactedKeys {
		if k == name || strings.HasSuffix(k, "_"+name) {
			return true
		}
	}
	return false
}
