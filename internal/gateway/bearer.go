package gateway

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidUserID is returned for user ids that cannot name an upstream account.
var ErrInvalidUserID = errors.New("user_id must be a non-negative integer")

// BearerForUser returns the Authorization header value for a gateway user:
// "Bearer t_" followed by the unpadded base64url encoding of {"uid":<id>}.
// The token is an opaque pseudo-credential, not a signed one.
func BearerForUser(userID int64) (string, error) {
	if userID < 0 {
		return "", fmt.Errorf("%w: %d", ErrInvalidUserID, userID)
	}
	payload, err := json.Marshal(struct {
		UID int64 `json:"uid"`
	}{UID: userID})
	if err != nil {
		return "", fmt.Errorf("failed to encode token payload: %w", err)
	}
	return "Bearer t_" + base64.RawURLEncoding.EncodeToString(payload), nil
}
