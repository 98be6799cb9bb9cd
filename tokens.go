package main

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"
)

// TokenDetails holds the claims we can pull out of an access or ID token.
// Every field is optional: a malformed or opaque token yields a zero value,
// never an error.
type TokenDetails struct {
	ExpiresAt        time.Time
	SessionID        string
	ChatGPTAccountID string
	ChatGPTUserID    string
	UserID           string
	OrganizationID   string
}

// deriveTokenDetails decodes the claims of a JWT-shaped access token, falling
// back to the ID token for any claim the access token doesn't carry.
func deriveTokenDetails(accessToken, idToken string) TokenDetails {
	out := decodeClaims(accessToken)
	if idToken == "" {
		return out
	}
	idOut := decodeClaims(idToken)
	if out.ExpiresAt.IsZero() {
		out.ExpiresAt = idOut.ExpiresAt
	}
	if out.SessionID == "" {
		out.SessionID = idOut.SessionID
	}
	if out.ChatGPTAccountID == "" {
		out.ChatGPTAccountID = idOut.ChatGPTAccountID
	}
	if out.ChatGPTUserID == "" {
		out.ChatGPTUserID = idOut.ChatGPTUserID
	}
	if out.UserID == "" {
		out.UserID = idOut.UserID
	}
	if out.OrganizationID == "" {
		out.OrganizationID = idOut.OrganizationID
	}
	return out
}

// decodeClaims treats token as three dot-separated base64url segments and
// reads the second (payload) segment as JSON. Any failure yields a zero
// TokenDetails; decodeClaims never panics or returns an error.
func decodeClaims(token string) TokenDetails {
	var out TokenDetails
	parts := strings.Split(token, ".")
	if len(parts) < 2 {
		return out
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return out
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return out
	}

	if exp, ok := payload["exp"].(float64); ok {
		out.ExpiresAt = time.UnixMilli(int64(exp * 1000))
	}

	if sid, ok := payload["session_id"].(string); ok && sid != "" {
		out.SessionID = sid
	} else if sid, ok := payload["sid"].(string); ok {
		out.SessionID = sid
	}

	if auth, ok := payload["https://api.openai.com/auth"].(map[string]any); ok {
		if acc, ok := auth["chatgpt_account_id"].(string); ok {
			out.ChatGPTAccountID = acc
		}
		if uid, ok := auth["chatgpt_user_id"].(string); ok {
			out.ChatGPTUserID = uid
		}
		if uid, ok := auth["user_id"].(string); ok {
			out.UserID = uid
		}
		out.OrganizationID = pickOrganizationID(auth)
	}
	if out.ChatGPTAccountID == "" {
		if acc, ok := payload["chatgpt_account_id"].(string); ok {
			out.ChatGPTAccountID = acc
		}
	}
	if out.UserID == "" {
		if uid, ok := payload["user_id"].(string); ok {
			out.UserID = uid
		}
	}

	return out
}

// pickOrganizationID prefers the organization flagged is_default; otherwise
// the first entry in the organizations list.
func pickOrganizationID(auth map[string]any) string {
	orgs, ok := auth["organizations"].([]any)
	if !ok || len(orgs) == 0 {
		return ""
	}
	first := ""
	for _, o := range orgs {
		org, ok := o.(map[string]any)
		if !ok {
			continue
		}
		id, _ := org["id"].(string)
		if id == "" {
			continue
		}
		if first == "" {
			first = id
		}
		if def, _ := org["is_default"].(bool); def {
			return id
		}
	}
	return first
}

// isFresh reports whether an access token's expiry has at least buffer of
// headroom remaining. An unset expiry is always considered fresh: callers
// that never learned the expiry have no basis to force a refresh.
func isFresh(expiresAt time.Time, buffer time.Duration) bool {
	if expiresAt.IsZero() {
		return true
	}
	return expiresAt.Sub(time.Now()) > buffer
}
