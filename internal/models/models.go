package models

import "time"

// Session states. A session is created live and moves to ended exactly once;
// rows are never deleted, so ended sessions double as broadcast history.
const (
	SessionStateLive  = "live"
	SessionStateEnded = "ended"
)

// Account is a registered user. BroadcastCredential is the secret an encoder
// presents when publishing; it is distinct from login credentials and is only
// ever compared against its current value. IsLive is a denormalized projection
// of "this account has a live session" and is written solely by the session
// store alongside the session mutation it reflects.
type Account struct {
	ID                  string    `json:"id"`
	DisplayName         string    `json:"displayName"`
	Email               string    `json:"email"`
	PasswordHash        string    `json:"passwordHash,omitempty"`
	Broadcaster         bool      `json:"broadcaster"`
	BroadcastCredential string    `json:"broadcastCredential,omitempty"`
	IsLive              bool      `json:"isLive"`
	CreatedAt           time.Time `json:"createdAt"`
}

// Session records one continuous broadcast attempt. CredentialSnapshot is the
// credential value that was current when the session began; it is retained for
// audit and never used to authenticate anything.
type Session struct {
	ID                 string     `json:"id"`
	AccountID          string     `json:"accountId"`
	CredentialSnapshot string     `json:"credentialSnapshot,omitempty"`
	Title              string     `json:"title"`
	State              string     `json:"state"`
	StartedAt          time.Time  `json:"startedAt"`
	EndedAt            *time.Time `json:"endedAt,omitempty"`
}

// Live reports whether the session is still running.
func (s Session) Live() bool {
	return s.State == SessionStateLive
}

// LiveListing is the viewer-facing projection of a live session, joined with
// the owning account's public fields.
type LiveListing struct {
	SessionID   string    `json:"sessionId"`
	AccountID   string    `json:"accountId"`
	DisplayName string    `json:"displayName"`
	Title       string    `json:"title"`
	StartedAt   time.Time `json:"startedAt"`
}
