package session

import "time"

// Session is the client-held record of who is signed in.
type Session struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
	Auth  bool   `json:"auth"`
}

// Identity is the user object returned by the auth endpoints.
type Identity struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// Authenticated builds the session for id.
func Authenticated(id Identity) Session {
	return Session{ID: id.ID, Name: id.Name, Email: id.Email, Role: id.Role, Auth: true}
}

// Result is returned by every mutating store operation.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	// Stale is set when the response arrived after a newer login, logout or attempt and was dropped.
	Stale bool `json:"stale,omitempty"`
}

// Event describes a session transition for external listeners.
type Event struct {
	Auth   bool      `json:"auth"`
	UserID string    `json:"user_id,omitempty"`
	Role   string    `json:"role,omitempty"`
	At     time.Time `json:"at"`
}

// NewEvent describes the transition into next.
func NewEvent(next Session, at time.Time) Event {
	return Event{Auth: next.Auth, UserID: next.ID, Role: next.Role, At: at.UTC()}
}

type authResponse struct {
	User  Identity `json:"user"`
	Token string   `json:"token"`
}

type registerRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
