package core

import "time"

// SessionStatus is the lifecycle state of a TACP session.
type SessionStatus string

const (
	SessionPending  SessionStatus = "pending"
	SessionActive   SessionStatus = "active"
	SessionEnded    SessionStatus = "ended"
	SessionRejected SessionStatus = "rejected"
	SessionExpired  SessionStatus = "expired"
)

// Terminal reports whether the session accepts no further messages.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionEnded, SessionRejected, SessionExpired:
		return true
	}
	return false
}

// SessionConstraints bound what a session may be used for.
type SessionConstraints struct {
	MaxDurationSeconds int      `json:"max_duration_seconds,omitempty"`
	MaxMessages        int      `json:"max_messages,omitempty"`
	MaxTasks           int      `json:"max_tasks,omitempty"`
	AllowedTaskTypes   []string `json:"allowed_task_types,omitempty"`
	DataClassification string   `json:"data_classification,omitempty"`
}

// SessionAuditEvent is one immutable entry in a session's lifecycle log.
type SessionAuditEvent struct {
	At      time.Time `json:"at"`
	Event   string    `json:"event"`
	ActorID string    `json:"actor_id,omitempty"`
	Detail  string    `json:"detail,omitempty"`
}

// Session is a stateful bidirectional channel between two certified agents.
// Participants are distinct; only the responder may accept or reject.
type Session struct {
	ID            string              `json:"id"`
	InitiatorID   string              `json:"initiator_id"`
	ResponderID   string              `json:"responder_id"`
	Purpose       string              `json:"purpose,omitempty"`
	Status        SessionStatus       `json:"status"`
	Constraints   SessionConstraints  `json:"constraints"`
	Capabilities  []string            `json:"capabilities,omitempty"`
	TrustVerified bool                `json:"trust_verified"`
	MessageCount  int                 `json:"message_count"`
	TaskCount     int                 `json:"task_count"`
	CreatedAt     time.Time           `json:"created_at"`
	EstablishedAt *time.Time          `json:"established_at,omitempty"`
	EndedAt       *time.Time          `json:"ended_at,omitempty"`
	Audit         []SessionAuditEvent `json:"audit,omitempty"`
}

// Participant reports whether the agent is one of the session's two parties.
func (s *Session) Participant(agentID string) bool {
	return agentID == s.InitiatorID || agentID == s.ResponderID
}

// PeerOf returns the other participant of the session, or "" for a stranger.
func (s *Session) PeerOf(agentID string) string {
	switch agentID {
	case s.InitiatorID:
		return s.ResponderID
	case s.ResponderID:
		return s.InitiatorID
	}
	return ""
}
