package chat

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// sessionPrefixTurns is how many leading messages feed the session key.
// The tail is ignored on purpose so a growing conversation keeps hashing
// to the same key and stays bound to the same upstream credential.
const sessionPrefixTurns = 3

// SessionKey derives a sticky session fingerprint from the leading inbound
// messages. The value is canonicalized through a generic JSON round trip so
// object keys serialize sorted and the digest is stable across callers.
func SessionKey(messages interface{}) string {
	raw, err := json.Marshal(messages)
	if err != nil {
		return ""
	}

	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return ""
	}
	if list, ok := generic.([]interface{}); ok && len(list) > sessionPrefixTurns {
		generic = list[:sessionPrefixTurns]
	}

	canonical, err := json.Marshal(generic)
	if err != nil {
		return ""
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])[:16]
}
