// Package telegram validates Mini App launch data (initData) signed by the
// Telegram host and extracts the user it carries.
package telegram

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"snapmap/apperrors"
)

const (
	hashKey     = "hash"
	authDateKey = "auth_date"
	userKey     = "user"

	webAppDataKey = "WebAppData"
)

var (
	ErrMalformedInput   = apperrors.New(apperrors.CodeMalformedInput, "Init data is malformed")
	ErrMissingHash      = apperrors.New(apperrors.CodeMalformedInput, "Hash parameter is missing")
	ErrInvalidSignature = apperrors.New(apperrors.CodeInvalidSignature, "Invalid signature")
	ErrInvalidAuthDate  = apperrors.New(apperrors.CodeMalformedInput, "auth_date parameter is missing or invalid")
	ErrExpired          = apperrors.New(apperrors.CodeExpired, "Init data expired")
)

// Verify checks the signature of raw launch data against botToken and returns
// every parsed pair except hash. It does not look at auth_date.
func Verify(raw, botToken string) (map[string]string, error) {
	params, err := parse(raw)
	if err != nil {
		return nil, err
	}

	supplied, ok := params[hashKey]
	if !ok || supplied == "" {
		return nil, ErrMissingHash
	}
	delete(params, hashKey)

	want, err := hex.DecodeString(strings.ToLower(supplied))
	if err != nil {
		return nil, ErrInvalidSignature
	}
	if !hmac.Equal(signature(params, botToken), want) {
		return nil, ErrInvalidSignature
	}
	return params, nil
}

// Authenticate verifies raw and applies the auth_date freshness policy. A
// maxAge of zero disables the freshness check.
func Authenticate(raw, botToken string, maxAge time.Duration, now time.Time) Result {
	params, err := Verify(raw, botToken)
	if err != nil {
		return invalid(err)
	}

	authDate, err := strconv.ParseInt(params[authDateKey], 10, 64)
	if err != nil {
		return invalid(ErrInvalidAuthDate)
	}
	if maxAge > 0 && now.Unix()-authDate > int64(maxAge/time.Second) {
		return invalid(ErrExpired)
	}
	return Valid{Data: params}
}

// DataCheckString renders the canonical sorted key=value lines that get signed
func DataCheckString(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if k == hashKey {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	return b.String()
}

func signature(params map[string]string, botToken string) []byte {
	secret := hmacSHA256([]byte(webAppDataKey), []byte(botToken))
	return hmacSHA256(secret, []byte(DataCheckString(params)))
}

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// parse splits raw on '&' and percent-decodes both halves of each pair.
// Pairs without '=' are ignored; a later duplicate key wins.
func parse(raw string) (map[string]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrMalformedInput
	}

	params := make(map[string]string)
	for _, pair := range strings.Split(raw, "&") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		key, err := url.QueryUnescape(k)
		if err != nil {
			return nil, apperrors.Wrap(ErrMalformedInput, "parse", err)
		}
		val, err := url.QueryUnescape(v)
		if err != nil {
			return nil, apperrors.Wrap(ErrMalformedInput, "parse", err)
		}
		params[key] = val
	}
	return params, nil
}
