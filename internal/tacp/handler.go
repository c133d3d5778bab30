package tacp

import (
	"encoding/hex"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentcert/backend/internal/cert"
	"github.com/agentcert/backend/internal/core"
	"github.com/agentcert/backend/internal/keys"
	"github.com/agentcert/backend/internal/metrics"
	"github.com/agentcert/backend/internal/store"
)

// gradeRank orders certificate grades for minimum-grade checks.
var gradeRank = map[string]int{"A": 4, "B": 3, "C": 2, "D": 1, "F": 0}

func gradeSatisfies(grade, minimum string) bool {
	if minimum == "" {
		return true
	}
	have, ok := gradeRank[grade]
	if !ok {
		return false
	}
	want, ok := gradeRank[minimum]
	if !ok {
		return false
	}
	return have >= want
}

type taskStatus string

const (
	taskAccepted  taskStatus = "accepted"
	taskCompleted taskStatus = "completed"
	taskFailed    taskStatus = "failed"
)

type delegatedTask struct {
	ID          string
	SessionID   string
	TaskType    string
	ResponderID string
	Status      taskStatus
	Progress    float64
	AcceptedAt  time.Time
}

// Handler implements the protocol's server side: session lifecycle, trust
// handshake, capability queries and task delegation bookkeeping. Frames it
// returns are for the transport to deliver; protocol violations come back as
// errors and the transport answers them with an error frame.
type Handler struct {
	store      *store.Store
	certs      *cert.Service
	keys       *keys.Manager
	challenges *ChallengeRegistry
	logger     *log.Logger

	mu    sync.Mutex
	tasks map[string]*delegatedTask
}

// NewHandler wires the protocol handler. challengeTTL zero means the
// protocol default.
func NewHandler(st *store.Store, certs *cert.Service, km *keys.Manager, challengeTTL time.Duration, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.New(log.Writer(), "[TACP] ", log.LstdFlags)
	}
	return &Handler{
		store:      st,
		certs:      certs,
		keys:       km,
		challenges: NewChallengeRegistry(challengeTTL),
		logger:     logger,
		tasks:      make(map[string]*delegatedTask),
	}
}

// Challenges exposes the registry so the eviction cron can reach it.
func (h *Handler) Challenges() *ChallengeRegistry { return h.challenges }

// ============================================================================
// SESSION LIFECYCLE
// ============================================================================

// CreateSession opens a pending session between two distinct active agents.
func (h *Handler) CreateSession(initiatorID, responderID, purpose string, constraints core.SessionConstraints) (*core.Session, error) {
	if initiatorID == responderID {
		return nil, core.InvalidArgumentf("session participants must be distinct")
	}
	for _, id := range []string{initiatorID, responderID} {
		agent, err := h.store.GetAgent(id)
		if err != nil {
			return nil, err
		}
		if agent.Status != core.AgentActive {
			return nil, core.PreconditionFailedf("agent %s is %s", id, agent.Status)
		}
	}

	now := time.Now().UTC()
	sess := &core.Session{
		ID:          uuid.NewString(),
		InitiatorID: initiatorID,
		ResponderID: responderID,
		Purpose:     purpose,
		Status:      core.SessionPending,
		Constraints: constraints,
		CreatedAt:   now,
	}
	h.audit(sess, "session_requested", initiatorID, purpose)
	if err := h.store.PutSession(sess); err != nil {
		return nil, err
	}
	metrics.SessionsActive.Inc()
	h.logger.Printf("session %s requested: %s -> %s", sess.ID, initiatorID, responderID)
	return sess, nil
}

// AcceptSession transitions pending to active. Only the responder may accept.
func (h *Handler) AcceptSession(sessionID, actorID string) (*core.Session, error) {
	sess, err := h.store.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	if actorID != sess.ResponderID {
		return nil, core.PreconditionFailedf("only the responder may accept session %s", sessionID)
	}
	if sess.Status != core.SessionPending {
		return nil, core.PreconditionFailedf("session %s is %s, not pending", sessionID, sess.Status)
	}
	now := time.Now().UTC()
	sess.Status = core.SessionActive
	sess.EstablishedAt = &now
	h.audit(sess, "session_accepted", actorID, "")
	if err := h.store.PutSession(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// RejectSession transitions pending to rejected. Only the responder may reject.
func (h *Handler) RejectSession(sessionID, actorID, reason string) (*core.Session, error) {
	sess, err := h.store.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	if actorID != sess.ResponderID {
		return nil, core.PreconditionFailedf("only the responder may reject session %s", sessionID)
	}
	if sess.Status != core.SessionPending {
		return nil, core.PreconditionFailedf("session %s is %s, not pending", sessionID, sess.Status)
	}
	now := time.Now().UTC()
	sess.Status = core.SessionRejected
	sess.EndedAt = &now
	h.audit(sess, "session_rejected", actorID, reason)
	if err := h.store.PutSession(sess); err != nil {
		return nil, err
	}
	metrics.SessionsActive.Dec()
	return sess, nil
}

// EndSession transitions a non-terminal session to ended. Either participant
// may end.
func (h *Handler) EndSession(sessionID, actorID, reason string) (*core.Session, error) {
	sess, err := h.store.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.Participant(actorID) {
		return nil, core.PreconditionFailedf("agent %s is not a participant of session %s", actorID, sessionID)
	}
	if sess.Status.Terminal() {
		return nil, core.PreconditionFailedf("session %s is already %s", sessionID, sess.Status)
	}
	now := time.Now().UTC()
	sess.Status = core.SessionEnded
	sess.EndedAt = &now
	h.audit(sess, "session_ended", actorID, reason)
	if err := h.store.PutSession(sess); err != nil {
		return nil, err
	}
	metrics.SessionsActive.Dec()
	return sess, nil
}

// ExpireSession moves an idle non-terminal session to expired. Called by the
// session fabric's idle monitor.
func (h *Handler) ExpireSession(sessionID string) (*core.Session, error) {
	sess, err := h.store.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status.Terminal() {
		return sess, nil
	}
	now := time.Now().UTC()
	sess.Status = core.SessionExpired
	sess.EndedAt = &now
	h.audit(sess, "session_expired", "", "idle timeout")
	if err := h.store.PutSession(sess); err != nil {
		return nil, err
	}
	metrics.SessionsActive.Dec()
	h.logger.Printf("session %s expired after idle timeout", sessionID)
	return sess, nil
}

// GetSession loads one session.
func (h *Handler) GetSession(sessionID string) (*core.Session, error) {
	return h.store.GetSession(sessionID)
}

// ListSessions returns sessions an agent participates in.
func (h *Handler) ListSessions(agentID string, status core.SessionStatus) ([]*core.Session, error) {
	return h.store.ListSessions(agentID, status)
}

func (h *Handler) audit(sess *core.Session, event, actorID, detail string) {
	sess.Audit = append(sess.Audit, core.SessionAuditEvent{
		At:      time.Now().UTC(),
		Event:   event,
		ActorID: actorID,
		Detail:  detail,
	})
}

// ============================================================================
// MESSAGE DISPATCH
// ============================================================================

// HandleMessage validates and processes one inbound frame, returning the
// frames to deliver. A returned error is a protocol violation; the transport
// answers it with an error frame to the sender.
func (h *Handler) HandleMessage(env *Envelope) ([]*Envelope, error) {
	metrics.TACPMessages.WithLabelValues(string(env.MessageType)).Inc()

	sess, err := h.store.GetSession(env.SessionID)
	if err != nil {
		return nil, err
	}
	if !sess.Participant(env.SenderID) || env.RecipientID != sess.PeerOf(env.SenderID) {
		return nil, core.Protocolf("sender %s / recipient %s do not match session %s participants",
			env.SenderID, env.RecipientID, env.SessionID)
	}
	if sess.Status.Terminal() {
		return nil, core.Protocolf("session %s is %s and accepts no messages", sess.ID, sess.Status)
	}
	if max := sess.Constraints.MaxMessages; max > 0 && sess.MessageCount >= max {
		return nil, core.Protocolf("session %s reached its message limit of %d", sess.ID, max)
	}
	sess.MessageCount++

	var frames []*Envelope
	switch env.MessageType {
	case MsgSessionRequest:
		// The opening frame of a pending session; relayed to the responder.
		if sess.Status != core.SessionPending {
			err = core.Protocolf("session %s is already %s", sess.ID, sess.Status)
			break
		}
		frames = []*Envelope{env}

	case MsgSessionAccept:
		err = h.applyAccept(sess, env)
		frames = []*Envelope{env}

	case MsgSessionReject:
		err = h.applyReject(sess, env)
		frames = []*Envelope{env}

	case MsgSessionEnd:
		err = h.applyEnd(sess, env)
		frames = []*Envelope{env}

	case MsgTrustChallenge:
		frames, err = h.handleTrustChallenge(sess, env)

	case MsgTrustProof:
		frames, err = h.handleTrustProof(sess, env)

	case MsgTrustVerified, MsgTrustFailed:
		frames = []*Envelope{env}

	case MsgCapabilityQuery:
		frames, err = h.handleCapabilityQuery(sess, env)

	case MsgCapabilityResponse:
		frames = []*Envelope{env}

	case MsgTaskRequest:
		frames, err = h.handleTaskRequest(sess, env)

	case MsgTaskProgress:
		frames, err = h.handleTaskProgress(sess, env)

	case MsgTaskComplete, MsgTaskFailed:
		frames, err = h.handleTaskTerminal(sess, env)

	case MsgTaskAccepted, MsgTaskRejected:
		frames = []*Envelope{env}

	case MsgPing:
		frames = []*Envelope{env.Reply(MsgPong, nil)}

	case MsgPong:
		// Keepalive answer; correlation happens in the transport.

	case MsgError:
		frames = []*Envelope{env}

	default:
		err = core.Protocolf("unknown message type %q", env.MessageType)
	}
	if err != nil {
		return nil, err
	}

	if putErr := h.store.PutSession(sess); putErr != nil {
		return nil, putErr
	}
	return frames, nil
}

func (h *Handler) applyAccept(sess *core.Session, env *Envelope) error {
	if env.SenderID != sess.ResponderID {
		return core.Protocolf("only the responder may accept session %s", sess.ID)
	}
	if sess.Status != core.SessionPending {
		return core.Protocolf("session %s is %s, not pending", sess.ID, sess.Status)
	}
	now := time.Now().UTC()
	sess.Status = core.SessionActive
	sess.EstablishedAt = &now
	var payload SessionAcceptPayload
	if len(env.Payload) > 0 {
		_ = env.DecodePayload(&payload)
		sess.Capabilities = payload.Capabilities
	}
	h.audit(sess, "session_accepted", env.SenderID, "")
	return nil
}

func (h *Handler) applyReject(sess *core.Session, env *Envelope) error {
	if env.SenderID != sess.ResponderID {
		return core.Protocolf("only the responder may reject session %s", sess.ID)
	}
	if sess.Status != core.SessionPending {
		return core.Protocolf("session %s is %s, not pending", sess.ID, sess.Status)
	}
	now := time.Now().UTC()
	sess.Status = core.SessionRejected
	sess.EndedAt = &now
	var payload SessionRejectPayload
	if len(env.Payload) > 0 {
		_ = env.DecodePayload(&payload)
	}
	h.audit(sess, "session_rejected", env.SenderID, payload.Reason)
	metrics.SessionsActive.Dec()
	return nil
}

func (h *Handler) applyEnd(sess *core.Session, env *Envelope) error {
	now := time.Now().UTC()
	sess.Status = core.SessionEnded
	sess.EndedAt = &now
	var payload SessionEndPayload
	if len(env.Payload) > 0 {
		_ = env.DecodePayload(&payload)
	}
	h.audit(sess, "session_ended", env.SenderID, payload.Reason)
	metrics.SessionsActive.Dec()
	return nil
}

// ============================================================================
// TRUST HANDSHAKE
// ============================================================================

// IssueChallenge creates a pending challenge on the verifier's behalf and
// returns the trust_challenge frame to send.
func (h *Handler) IssueChallenge(sessionID, verifierID string, required []string, minimumGrade string) (*Envelope, error) {
	sess, err := h.store.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.Participant(verifierID) {
		return nil, core.PreconditionFailedf("agent %s is not a participant of session %s", verifierID, sessionID)
	}
	ch, err := h.challenges.Issue(sessionID, verifierID, sess.PeerOf(verifierID), required, minimumGrade)
	if err != nil {
		return nil, err
	}
	return NewEnvelope(MsgTrustChallenge, sessionID, verifierID, ch.TargetID, &TrustChallengePayload{
		ChallengeID:          ch.ID,
		NonceHex:             ch.NonceHex(),
		RequiredCapabilities: ch.RequiredCapabilities,
		MinimumGrade:         ch.MinimumGrade,
	}), nil
}

// handleTrustChallenge performs the target's side of the handshake: fetch
// the active certificate, check requirements, sign the nonce, answer with a
// proof. Requirement misses answer with trust_failed instead.
func (h *Handler) handleTrustChallenge(sess *core.Session, env *Envelope) ([]*Envelope, error) {
	if sess.Status != core.SessionActive {
		return nil, core.Protocolf("trust handshake requires an active session")
	}
	var payload TrustChallengePayload
	if err := env.DecodePayload(&payload); err != nil {
		return nil, err
	}
	nonce, err := hex.DecodeString(payload.NonceHex)
	if err != nil || len(nonce) != nonceSize {
		return nil, core.Protocolf("challenge nonce must be %d hex-encoded bytes", nonceSize)
	}

	// A challenge arriving over the wire was issued by the sender; record it
	// so the proof can be checked against the original nonce.
	if h.challenges.Peek(payload.ChallengeID) == nil {
		h.challenges.Register(&Challenge{
			ID:                   payload.ChallengeID,
			SessionID:            sess.ID,
			VerifierID:           env.SenderID,
			TargetID:             env.RecipientID,
			Nonce:                nonce,
			RequiredCapabilities: payload.RequiredCapabilities,
			MinimumGrade:         payload.MinimumGrade,
		})
	}

	target := env.RecipientID
	failed := func(reason string, missing []string) []*Envelope {
		h.challenges.Consume(payload.ChallengeID)
		metrics.TrustHandshakes.WithLabelValues("failed").Inc()
		h.audit(sess, "trust_failed", target, reason)
		return []*Envelope{env.Reply(MsgTrustFailed, &TrustFailedPayload{Reason: reason, Missing: missing})}
	}

	certificate, err := h.certs.Active(target)
	if err != nil {
		return failed("no active certificate", nil), nil
	}
	if missing := missingCapabilities(certificate, payload.RequiredCapabilities); len(missing) > 0 {
		return failed("missing capabilities", missing), nil
	}
	if !gradeSatisfies(certificate.Grade, payload.MinimumGrade) {
		return failed("grade "+certificate.Grade+" below required "+payload.MinimumGrade, nil), nil
	}

	signature, err := h.keys.Sign(target, nonce)
	if err != nil {
		return nil, err
	}
	return []*Envelope{env.Reply(MsgTrustProof, &TrustProofPayload{
		ChallengeID:    payload.ChallengeID,
		CertificateID:  certificate.ID,
		NonceSignature: hex.EncodeToString(signature),
		Capabilities:   certificate.CertifiedCapabilities,
		Grade:          certificate.Grade,
		ValidUntil:     certificate.ExpiresAt,
	})}, nil
}

// handleTrustProof performs the verifier's side: consume the challenge,
// check the certificate is active, verify the nonce signature against the
// holder's verify key and re-check the requirements.
func (h *Handler) handleTrustProof(sess *core.Session, env *Envelope) ([]*Envelope, error) {
	if sess.Status != core.SessionActive {
		return nil, core.Protocolf("trust handshake requires an active session")
	}
	var payload TrustProofPayload
	if err := env.DecodePayload(&payload); err != nil {
		return nil, err
	}
	prover := env.SenderID

	failed := func(reason string, missing []string) []*Envelope {
		metrics.TrustHandshakes.WithLabelValues("failed").Inc()
		h.audit(sess, "trust_failed", env.RecipientID, reason)
		return []*Envelope{env.Reply(MsgTrustFailed, &TrustFailedPayload{Reason: reason, Missing: missing})}
	}

	ch := h.challenges.Consume(payload.ChallengeID)
	if ch == nil {
		return failed("challenge not found or expired", nil), nil
	}
	if ch.SessionID != sess.ID || ch.TargetID != prover || ch.VerifierID != env.RecipientID {
		return failed("proof does not match the issued challenge", nil), nil
	}

	certificate, err := h.certs.Get(payload.CertificateID)
	if err != nil {
		return failed("certificate not found", nil), nil
	}
	if certificate.Status != core.CertActive {
		return failed("certificate is "+string(certificate.Status), nil), nil
	}
	if certificate.AgentID != prover {
		return failed("certificate belongs to a different agent", nil), nil
	}

	signature, err := hex.DecodeString(payload.NonceSignature)
	if err != nil {
		return failed("malformed nonce signature", nil), nil
	}
	agent, err := h.store.GetAgent(prover)
	if err != nil {
		return nil, err
	}
	ok, err := h.keys.Verify(prover, ch.Nonce, signature, agent.PublicKeyHex)
	if err != nil || !ok {
		return failed("invalid nonce signature", nil), nil
	}

	if missing := missingCapabilities(certificate, ch.RequiredCapabilities); len(missing) > 0 {
		return failed("missing capabilities", missing), nil
	}
	if !gradeSatisfies(certificate.Grade, ch.MinimumGrade) {
		return failed("grade "+certificate.Grade+" below required "+ch.MinimumGrade, nil), nil
	}

	sess.TrustVerified = true
	h.audit(sess, "trust_verified", env.RecipientID, "certificate "+certificate.ID)
	metrics.TrustHandshakes.WithLabelValues("verified").Inc()
	h.logger.Printf("session %s trust-verified via certificate %s", sess.ID, certificate.ID)

	return []*Envelope{env.Reply(MsgTrustVerified, &TrustVerifiedPayload{
		CertificateID: certificate.ID,
		Capabilities:  certificate.CertifiedCapabilities,
		Grade:         certificate.Grade,
	})}, nil
}

func missingCapabilities(c *core.Certificate, required []string) []string {
	var missing []string
	for _, cap := range required {
		if !c.HasCapability(cap) {
			missing = append(missing, cap)
		}
	}
	sort.Strings(missing)
	return missing
}

// ============================================================================
// CAPABILITY QUERY
// ============================================================================

func (h *Handler) handleCapabilityQuery(sess *core.Session, env *Envelope) ([]*Envelope, error) {
	if sess.Status != core.SessionActive {
		return nil, core.Protocolf("capability query requires an active session")
	}
	agent, err := h.store.GetAgent(env.RecipientID)
	if err != nil {
		return nil, err
	}
	payload := &CapabilityResponsePayload{
		AgentID:      agent.ID,
		Capabilities: agent.Capabilities,
	}
	if certificate, err := h.certs.Active(agent.ID); err == nil {
		payload.Certified = certificate.CertifiedCapabilities
		payload.Grade = certificate.Grade
		payload.CertificateID = certificate.ID
	}
	return []*Envelope{env.Reply(MsgCapabilityResponse, payload)}, nil
}

// ============================================================================
// TASK DELEGATION
// ============================================================================

func (h *Handler) handleTaskRequest(sess *core.Session, env *Envelope) ([]*Envelope, error) {
	if sess.Status != core.SessionActive {
		return nil, core.Protocolf("task delegation requires an active session")
	}
	var payload TaskRequestPayload
	if err := env.DecodePayload(&payload); err != nil {
		return nil, err
	}
	if payload.TaskType == "" {
		return nil, core.InvalidArgumentf("task_type is required")
	}

	rejected := func(reason string) []*Envelope {
		h.audit(sess, "task_rejected", env.RecipientID, reason)
		return []*Envelope{env.Reply(MsgTaskRejected, &TaskRejectedPayload{Reason: reason})}
	}

	responder, err := h.store.GetAgent(env.RecipientID)
	if err != nil {
		return nil, err
	}
	if responder.Status != core.AgentActive {
		return rejected("responder is " + string(responder.Status)), nil
	}
	if !responder.HasCapability(payload.TaskType) {
		return rejected("task type " + payload.TaskType + " outside declared capabilities"), nil
	}
	if allowed := sess.Constraints.AllowedTaskTypes; len(allowed) > 0 && !contains(allowed, payload.TaskType) {
		return rejected("task type " + payload.TaskType + " not allowed in this session"), nil
	}
	if max := sess.Constraints.MaxTasks; max > 0 && sess.TaskCount >= max {
		return rejected("session task limit reached"), nil
	}

	task := &delegatedTask{
		ID:          uuid.NewString(),
		SessionID:   sess.ID,
		TaskType:    payload.TaskType,
		ResponderID: env.RecipientID,
		Status:      taskAccepted,
		AcceptedAt:  time.Now().UTC(),
	}
	h.mu.Lock()
	h.tasks[task.ID] = task
	h.mu.Unlock()

	sess.TaskCount++
	h.audit(sess, "task_accepted", env.RecipientID, payload.TaskType)
	return []*Envelope{env.Reply(MsgTaskAccepted, &TaskAcceptedPayload{TaskID: task.ID})}, nil
}

func (h *Handler) handleTaskProgress(sess *core.Session, env *Envelope) ([]*Envelope, error) {
	var payload TaskProgressPayload
	if err := env.DecodePayload(&payload); err != nil {
		return nil, err
	}
	if payload.Progress < 0 || payload.Progress > 1 {
		return nil, core.InvalidArgumentf("task progress %v outside [0,1]", payload.Progress)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	task, ok := h.tasks[payload.TaskID]
	if !ok || task.SessionID != sess.ID {
		return nil, core.NotFoundf("task %s", payload.TaskID)
	}
	if task.Status != taskAccepted {
		return nil, core.Protocolf("task %s is already %s", task.ID, task.Status)
	}
	if env.SenderID != task.ResponderID {
		return nil, core.Protocolf("only the delegate may report progress for task %s", task.ID)
	}
	task.Progress = payload.Progress
	return []*Envelope{env}, nil
}

func (h *Handler) handleTaskTerminal(sess *core.Session, env *Envelope) ([]*Envelope, error) {
	var taskID string
	switch env.MessageType {
	case MsgTaskComplete:
		var payload TaskCompletePayload
		if err := env.DecodePayload(&payload); err != nil {
			return nil, err
		}
		taskID = payload.TaskID
	case MsgTaskFailed:
		var payload TaskFailedPayload
		if err := env.DecodePayload(&payload); err != nil {
			return nil, err
		}
		taskID = payload.TaskID
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	task, ok := h.tasks[taskID]
	if !ok || task.SessionID != sess.ID {
		return nil, core.NotFoundf("task %s", taskID)
	}
	if task.Status != taskAccepted {
		return nil, core.Protocolf("task %s already terminated as %s", task.ID, task.Status)
	}
	if env.SenderID != task.ResponderID {
		return nil, core.Protocolf("only the delegate may terminate task %s", task.ID)
	}
	if env.MessageType == MsgTaskComplete {
		task.Status = taskCompleted
	} else {
		task.Status = taskFailed
	}
	h.audit(sess, "task_"+string(task.Status), env.SenderID, task.TaskType)
	return []*Envelope{env}, nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
