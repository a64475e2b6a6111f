package domain

// UserContext is the authenticated caller injected into request handlers.
// Tokens are issued by an external identity service; this service only verifies them.
type UserContext struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Name   string `json:"name"`
	Role   string `json:"role"`
}
