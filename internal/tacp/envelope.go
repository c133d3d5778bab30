// Package tacp implements the Trust Agent Communication Protocol: session
// establishment between certified agents, nonce-based trust verification,
// capability queries and task delegation over a persistent duplex transport.
package tacp

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/agentcert/backend/internal/core"
)

// MessageType identifies one of the protocol's frames.
type MessageType string

const (
	// Session lifecycle.
	MsgSessionRequest MessageType = "session_request"
	MsgSessionAccept  MessageType = "session_accept"
	MsgSessionReject  MessageType = "session_reject"
	MsgSessionEnd     MessageType = "session_end"

	// Trust handshake.
	MsgTrustChallenge MessageType = "trust_challenge"
	MsgTrustProof     MessageType = "trust_proof"
	MsgTrustVerified  MessageType = "trust_verified"
	MsgTrustFailed    MessageType = "trust_failed"

	// Capability discovery.
	MsgCapabilityQuery    MessageType = "capability_query"
	MsgCapabilityResponse MessageType = "capability_response"

	// Task delegation.
	MsgTaskRequest  MessageType = "task_request"
	MsgTaskAccepted MessageType = "task_accepted"
	MsgTaskRejected MessageType = "task_rejected"
	MsgTaskProgress MessageType = "task_progress"
	MsgTaskComplete MessageType = "task_complete"
	MsgTaskFailed   MessageType = "task_failed"

	// Utility.
	MsgPing  MessageType = "ping"
	MsgPong  MessageType = "pong"
	MsgError MessageType = "error"
)

// Envelope is the uniform frame every protocol message travels in. Payload
// shape depends on MessageType.
type Envelope struct {
	MessageID   string          `json:"message_id"`
	MessageType MessageType     `json:"message_type"`
	SenderID    string          `json:"sender_id"`
	RecipientID string          `json:"recipient_id"`
	SessionID   string          `json:"session_id"`
	Timestamp   time.Time       `json:"timestamp"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	InReplyTo   string          `json:"in_reply_to,omitempty"`
	Signature   string          `json:"signature,omitempty"`
}

// NewEnvelope builds a frame with a fresh id and timestamp. Payload marshal
// failures cannot happen for the protocol's own payload types.
func NewEnvelope(msgType MessageType, sessionID, senderID, recipientID string, payload interface{}) *Envelope {
	env := &Envelope{
		MessageID:   uuid.NewString(),
		MessageType: msgType,
		SenderID:    senderID,
		RecipientID: recipientID,
		SessionID:   sessionID,
		Timestamp:   time.Now().UTC(),
	}
	if payload != nil {
		raw, _ := json.Marshal(payload)
		env.Payload = raw
	}
	return env
}

// Reply builds a frame answering this one, swapping sender and recipient and
// setting in_reply_to.
func (e *Envelope) Reply(msgType MessageType, payload interface{}) *Envelope {
	reply := NewEnvelope(msgType, e.SessionID, e.RecipientID, e.SenderID, payload)
	reply.InReplyTo = e.MessageID
	return reply
}

// DecodePayload unmarshals the payload into v.
func (e *Envelope) DecodePayload(v interface{}) error {
	if len(e.Payload) == 0 {
		return core.InvalidArgumentf("%s payload is empty", e.MessageType)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return core.InvalidArgumentf("malformed %s payload: %v", e.MessageType, err)
	}
	return nil
}

// ============================================================================
// PAYLOAD TYPES
// ============================================================================

type SessionRequestPayload struct {
	Purpose      string                  `json:"purpose,omitempty"`
	Constraints  core.SessionConstraints `json:"constraints,omitempty"`
	Capabilities []string                `json:"capabilities,omitempty"`
}

type SessionAcceptPayload struct {
	Capabilities []string `json:"capabilities,omitempty"`
}

type SessionRejectPayload struct {
	Reason string `json:"reason,omitempty"`
}

type SessionEndPayload struct {
	Reason string `json:"reason,omitempty"`
}

type TrustChallengePayload struct {
	ChallengeID          string   `json:"challenge_id"`
	NonceHex             string   `json:"nonce"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
	MinimumGrade         string   `json:"minimum_grade,omitempty"`
}

type TrustProofPayload struct {
	ChallengeID    string    `json:"challenge_id"`
	CertificateID  string    `json:"certificate_id"`
	NonceSignature string    `json:"nonce_signature"`
	Capabilities   []string  `json:"capabilities"`
	Grade          string    `json:"grade"`
	ValidUntil     time.Time `json:"valid_until"`
}

type TrustVerifiedPayload struct {
	CertificateID string   `json:"certificate_id"`
	Capabilities  []string `json:"capabilities"`
	Grade         string   `json:"grade"`
}

type TrustFailedPayload struct {
	Reason  string   `json:"reason"`
	Missing []string `json:"missing,omitempty"`
}

type CapabilityQueryPayload struct {
	Detail bool `json:"detail,omitempty"`
}

type CapabilityResponsePayload struct {
	AgentID       string   `json:"agent_id"`
	Capabilities  []string `json:"capabilities"`
	Certified     []string `json:"certified_capabilities,omitempty"`
	Grade         string   `json:"grade,omitempty"`
	CertificateID string   `json:"certificate_id,omitempty"`
}

type TaskRequestPayload struct {
	TaskType       string                 `json:"task_type"`
	Description    string                 `json:"description,omitempty"`
	Parameters     map[string]interface{} `json:"parameters,omitempty"`
	TimeoutSeconds int                    `json:"timeout_seconds,omitempty"`
	Priority       string                 `json:"priority,omitempty"`
}

type TaskAcceptedPayload struct {
	TaskID string `json:"task_id"`
}

type TaskRejectedPayload struct {
	Reason string `json:"reason"`
}

type TaskProgressPayload struct {
	TaskID             string      `json:"task_id"`
	Progress           float64     `json:"progress"`
	Status             string      `json:"status,omitempty"`
	Message            string      `json:"message,omitempty"`
	IntermediateResult interface{} `json:"intermediate_result,omitempty"`
}

type TaskCompletePayload struct {
	TaskID     string      `json:"task_id"`
	Success    bool        `json:"success"`
	Result     interface{} `json:"result,omitempty"`
	DurationMs int64       `json:"duration_ms"`
}

type TaskFailedPayload struct {
	TaskID        string      `json:"task_id"`
	Error         string      `json:"error"`
	PartialResult interface{} `json:"partial_result,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorEnvelope builds the error frame answering a rejected message.
func ErrorEnvelope(cause *Envelope, err error) *Envelope {
	return cause.Reply(MsgError, &ErrorPayload{
		Code:    core.CodeOf(err),
		Message: err.Error(),
	})
}
