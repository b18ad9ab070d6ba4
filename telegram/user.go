package telegram

import (
	"encoding/json"
	"errors"
	"strings"

	"snapmap/apperrors"
)

var ErrMalformedUser = apperrors.New(apperrors.CodeMalformedUser, "User data not found in initData")

// WebAppUser is the user object embedded in launch data under the "user" key
type WebAppUser struct {
	ID        int64   `json:"id"`
	Username  *string `json:"username,omitempty"`
	FirstName *string `json:"first_name,omitempty"`
	LastName  *string `json:"last_name,omitempty"`
	PhotoURL  *string `json:"photo_url,omitempty"`
}

// ParseUser decodes the embedded user from verified launch data
func ParseUser(data map[string]string) (*WebAppUser, error) {
	raw, ok := data[userKey]
	if !ok || strings.TrimSpace(raw) == "" {
		return nil, ErrMalformedUser
	}

	var u WebAppUser
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		return nil, apperrors.Wrap(ErrMalformedUser, "ParseUser", err)
	}
	if u.ID == 0 {
		return nil, apperrors.Wrap(ErrMalformedUser, "ParseUser", errors.New("user id is missing"))
	}
	return &u, nil
}

// FullName joins first and last name, nil when both are empty
func (u *WebAppUser) FullName() *string {
	var parts []string
	if u.FirstName != nil {
		parts = append(parts, *u.FirstName)
	}
	if u.LastName != nil {
		parts = append(parts, *u.LastName)
	}
	name := strings.TrimSpace(strings.Join(parts, " "))
	if name == "" {
		return nil
	}
	return &name
}
