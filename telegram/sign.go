package telegram

import (
	"encoding/hex"
	"net/url"
)

// Sign produces launch data for params the way the Telegram host does. It is
// used by the sign-initdata command and by tests; production code only verifies.
func Sign(params map[string]string, botToken string) string {
	values := url.Values{}
	clean := make(map[string]string, len(params))
	for k, v := range params {
		if k == hashKey {
			continue
		}
		clean[k] = v
		values.Set(k, v)
	}
	values.Set(hashKey, hex.EncodeToString(signature(clean, botToken)))
	return values.Encode()
}
