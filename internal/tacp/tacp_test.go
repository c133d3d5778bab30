package tacp

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcert/backend/internal/ca"
	"github.com/agentcert/backend/internal/cert"
	"github.com/agentcert/backend/internal/core"
	"github.com/agentcert/backend/internal/keys"
	"github.com/agentcert/backend/internal/store"
)

type fixture struct {
	store   *store.Store
	certs   *cert.Service
	keys    *keys.Manager
	handler *Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "tacp.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	signer, err := ca.NewSigner("agentcert-root")
	require.NoError(t, err)
	certs := cert.NewService(st, signer, 365*24*time.Hour, "1.0", nil)
	km := keys.NewManager(filepath.Join(dir, "keys"))

	return &fixture{
		store:   st,
		certs:   certs,
		keys:    km,
		handler: NewHandler(st, certs, km, 0, nil),
	}
}

func (f *fixture) newAgent(t *testing.T, name string, caps []string) *core.Agent {
	t.Helper()
	now := time.Now().UTC()
	agent := &core.Agent{
		ID:           uuid.NewString(),
		OrgID:        "org-1",
		Name:         name,
		Capabilities: caps,
		Status:       core.AgentActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, f.store.CreateAgent(agent))
	return agent
}

// certify gives the agent an active certificate with the given grade; the
// certified capabilities come from a passing code-review test.
func (f *fixture) certify(t *testing.T, agent *core.Agent, grade string, overall, safety float64) *core.Certificate {
	t.Helper()
	now := time.Now().UTC()
	capability := overall
	completed := now
	run := &core.EvaluationRun{
		ID:      uuid.NewString(),
		AgentID: agent.ID,
		OrgID:   agent.OrgID,
		Suites:  []core.SuiteName{core.SuiteSafety, core.SuiteCapability},
		Status:  core.EvalCompleted,
		OverallScore: &overall,
		SuiteScores: map[core.SuiteName]*float64{
			core.SuiteSafety:     &safety,
			core.SuiteCapability: &capability,
		},
		Grade:               grade,
		CertificateEligible: true,
		Results: map[core.SuiteName]core.SuiteResult{
			core.SuiteCapability: {
				Suite: core.SuiteCapability,
				Score: capability,
				Categories: []core.CategoryResult{
					{
						Category: "task-completion",
						Score:    overall,
						Tests: []core.TestResult{
							{TaskID: "cap-code-review", Score: 90, Passed: true},
						},
					},
				},
			},
			core.SuiteSafety: {
				Suite:      core.SuiteSafety,
				Score:      safety,
				Categories: []core.CategoryResult{{Category: "jailbreak-resistance", Score: safety}},
			},
		},
		CreatedAt:   now,
		CompletedAt: &completed,
	}
	require.NoError(t, f.store.PutEvaluation(run))

	certificate, err := f.certs.Issue(agent.ID, run.ID, 0)
	require.NoError(t, err)
	return certificate
}

func (f *fixture) activeSession(t *testing.T, initiator, responder *core.Agent, constraints core.SessionConstraints) *core.Session {
	t.Helper()
	sess, err := f.handler.CreateSession(initiator.ID, responder.ID, "testing", constraints)
	require.NoError(t, err)
	sess, err = f.handler.AcceptSession(sess.ID, responder.ID)
	require.NoError(t, err)
	return sess
}

// ============================================================================
// SESSION LIFECYCLE
// ============================================================================

func TestSessionLifecycle(t *testing.T) {
	f := newFixture(t)
	v := f.newAgent(t, "verifier", nil)
	target := f.newAgent(t, "target", nil)

	sess, err := f.handler.CreateSession(v.ID, target.ID, "code review", core.SessionConstraints{})
	require.NoError(t, err)
	assert.Equal(t, core.SessionPending, sess.Status)
	assert.Equal(t, "session_requested", sess.Audit[0].Event)

	// Only the responder may accept.
	_, err = f.handler.AcceptSession(sess.ID, v.ID)
	assert.True(t, errors.Is(err, core.ErrPreconditionFailed))

	sess, err = f.handler.AcceptSession(sess.ID, target.ID)
	require.NoError(t, err)
	assert.Equal(t, core.SessionActive, sess.Status)
	require.NotNil(t, sess.EstablishedAt)

	// Accepting twice fails; the session is no longer pending.
	_, err = f.handler.AcceptSession(sess.ID, target.ID)
	assert.True(t, errors.Is(err, core.ErrPreconditionFailed))

	sess, err = f.handler.EndSession(sess.ID, v.ID, "done")
	require.NoError(t, err)
	assert.Equal(t, core.SessionEnded, sess.Status)
	require.NotNil(t, sess.EndedAt)

	// Terminal sessions reject all further messages.
	ping := NewEnvelope(MsgPing, sess.ID, v.ID, target.ID, nil)
	_, err = f.handler.HandleMessage(ping)
	assert.True(t, errors.Is(err, core.ErrProtocol))
}

func TestSessionRejectIsTerminal(t *testing.T) {
	f := newFixture(t)
	v := f.newAgent(t, "verifier", nil)
	target := f.newAgent(t, "target", nil)

	sess, err := f.handler.CreateSession(v.ID, target.ID, "", core.SessionConstraints{})
	require.NoError(t, err)
	sess, err = f.handler.RejectSession(sess.ID, target.ID, "busy")
	require.NoError(t, err)
	assert.Equal(t, core.SessionRejected, sess.Status)

	_, err = f.handler.EndSession(sess.ID, v.ID, "")
	assert.True(t, errors.Is(err, core.ErrPreconditionFailed))
}

func TestSessionParticipantValidation(t *testing.T) {
	f := newFixture(t)
	v := f.newAgent(t, "verifier", nil)
	target := f.newAgent(t, "target", nil)
	stranger := f.newAgent(t, "stranger", nil)
	sess := f.activeSession(t, v, target, core.SessionConstraints{})

	// Stranger as sender.
	_, err := f.handler.HandleMessage(NewEnvelope(MsgPing, sess.ID, stranger.ID, target.ID, nil))
	assert.True(t, errors.Is(err, core.ErrProtocol))

	// Participant sending to itself.
	_, err = f.handler.HandleMessage(NewEnvelope(MsgPing, sess.ID, v.ID, v.ID, nil))
	assert.True(t, errors.Is(err, core.ErrProtocol))

	// Correct pair passes and pong echoes in_reply_to.
	ping := NewEnvelope(MsgPing, sess.ID, v.ID, target.ID, nil)
	frames, err := f.handler.HandleMessage(ping)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, MsgPong, frames[0].MessageType)
	assert.Equal(t, ping.MessageID, frames[0].InReplyTo)
	assert.Equal(t, v.ID, frames[0].RecipientID)
}

func TestSessionMessageLimit(t *testing.T) {
	f := newFixture(t)
	v := f.newAgent(t, "verifier", nil)
	target := f.newAgent(t, "target", nil)
	sess := f.activeSession(t, v, target, core.SessionConstraints{MaxMessages: 2})

	for i := 0; i < 2; i++ {
		_, err := f.handler.HandleMessage(NewEnvelope(MsgPing, sess.ID, v.ID, target.ID, nil))
		require.NoError(t, err)
	}
	_, err := f.handler.HandleMessage(NewEnvelope(MsgPing, sess.ID, v.ID, target.ID, nil))
	assert.True(t, errors.Is(err, core.ErrProtocol))
}

func TestExpireSession(t *testing.T) {
	f := newFixture(t)
	v := f.newAgent(t, "verifier", nil)
	target := f.newAgent(t, "target", nil)
	sess := f.activeSession(t, v, target, core.SessionConstraints{})

	sess, err := f.handler.ExpireSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, core.SessionExpired, sess.Status)

	// Expiring a terminal session is a no-op.
	again, err := f.handler.ExpireSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, core.SessionExpired, again.Status)
}

// ============================================================================
// TRUST HANDSHAKE
// ============================================================================

func TestTrustHandshakeSuccess(t *testing.T) {
	f := newFixture(t)
	v := f.newAgent(t, "verifier", nil)
	target := f.newAgent(t, "target", []string{"code-review"})
	certificate := f.certify(t, target, "A", 90.2, 92)
	sess := f.activeSession(t, v, target, core.SessionConstraints{})

	challenge, err := f.handler.IssueChallenge(sess.ID, v.ID, []string{"code-review"}, "B")
	require.NoError(t, err)
	assert.Equal(t, target.ID, challenge.RecipientID)

	frames, err := f.handler.HandleMessage(challenge)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	proof := frames[0]
	assert.Equal(t, MsgTrustProof, proof.MessageType)
	assert.Equal(t, target.ID, proof.SenderID)
	assert.Equal(t, v.ID, proof.RecipientID)

	var proofPayload TrustProofPayload
	require.NoError(t, proof.DecodePayload(&proofPayload))
	assert.Equal(t, certificate.ID, proofPayload.CertificateID)
	assert.Equal(t, "A", proofPayload.Grade)

	frames, err = f.handler.HandleMessage(proof)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, MsgTrustVerified, frames[0].MessageType)
	assert.Equal(t, target.ID, frames[0].RecipientID)

	var verified TrustVerifiedPayload
	require.NoError(t, frames[0].DecodePayload(&verified))
	assert.Equal(t, certificate.ID, verified.CertificateID)
	assert.Contains(t, verified.Capabilities, "code-review")

	sess, err = f.handler.GetSession(sess.ID)
	require.NoError(t, err)
	assert.True(t, sess.TrustVerified)
}

func TestTrustHandshakeCapabilityMiss(t *testing.T) {
	f := newFixture(t)
	v := f.newAgent(t, "verifier", nil)
	target := f.newAgent(t, "target", []string{"code-review"})
	f.certify(t, target, "A", 90.2, 92)
	sess := f.activeSession(t, v, target, core.SessionConstraints{})

	challenge, err := f.handler.IssueChallenge(sess.ID, v.ID, []string{"speech-synthesis"}, "")
	require.NoError(t, err)

	frames, err := f.handler.HandleMessage(challenge)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, MsgTrustFailed, frames[0].MessageType)

	var failed TrustFailedPayload
	require.NoError(t, frames[0].DecodePayload(&failed))
	assert.Equal(t, "missing capabilities", failed.Reason)
	assert.Equal(t, []string{"speech-synthesis"}, failed.Missing)

	// The session stays active but is not trust-verified.
	sess, err = f.handler.GetSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, core.SessionActive, sess.Status)
	assert.False(t, sess.TrustVerified)
}

func TestTrustHandshakeNoCertificate(t *testing.T) {
	f := newFixture(t)
	v := f.newAgent(t, "verifier", nil)
	target := f.newAgent(t, "target", nil)
	sess := f.activeSession(t, v, target, core.SessionConstraints{})

	challenge, err := f.handler.IssueChallenge(sess.ID, v.ID, nil, "")
	require.NoError(t, err)
	frames, err := f.handler.HandleMessage(challenge)
	require.NoError(t, err)

	var failed TrustFailedPayload
	require.NoError(t, frames[0].DecodePayload(&failed))
	assert.Equal(t, "no active certificate", failed.Reason)
}

func TestTrustHandshakeInsufficientGrade(t *testing.T) {
	f := newFixture(t)
	v := f.newAgent(t, "verifier", nil)
	target := f.newAgent(t, "target", []string{"code-review"})
	f.certify(t, target, "B", 82, 86)
	sess := f.activeSession(t, v, target, core.SessionConstraints{})

	challenge, err := f.handler.IssueChallenge(sess.ID, v.ID, nil, "A")
	require.NoError(t, err)
	frames, err := f.handler.HandleMessage(challenge)
	require.NoError(t, err)
	assert.Equal(t, MsgTrustFailed, frames[0].MessageType)

	var failed TrustFailedPayload
	require.NoError(t, frames[0].DecodePayload(&failed))
	assert.Contains(t, failed.Reason, "below required")
}

func TestTrustProofNonceIsSingleUse(t *testing.T) {
	f := newFixture(t)
	v := f.newAgent(t, "verifier", nil)
	target := f.newAgent(t, "target", []string{"code-review"})
	f.certify(t, target, "A", 90.2, 92)
	sess := f.activeSession(t, v, target, core.SessionConstraints{})

	challenge, err := f.handler.IssueChallenge(sess.ID, v.ID, nil, "")
	require.NoError(t, err)
	frames, err := f.handler.HandleMessage(challenge)
	require.NoError(t, err)
	proof := frames[0]

	frames, err = f.handler.HandleMessage(proof)
	require.NoError(t, err)
	assert.Equal(t, MsgTrustVerified, frames[0].MessageType)

	// The challenge was consumed; replaying the proof fails.
	replay := *proof
	replay.MessageID = uuid.NewString()
	frames, err = f.handler.HandleMessage(&replay)
	require.NoError(t, err)
	assert.Equal(t, MsgTrustFailed, frames[0].MessageType)

	var failed TrustFailedPayload
	require.NoError(t, frames[0].DecodePayload(&failed))
	assert.Equal(t, "challenge not found or expired", failed.Reason)
}

func TestTrustProofRevokedCertificate(t *testing.T) {
	f := newFixture(t)
	v := f.newAgent(t, "verifier", nil)
	target := f.newAgent(t, "target", []string{"code-review"})
	certificate := f.certify(t, target, "A", 90.2, 92)
	sess := f.activeSession(t, v, target, core.SessionConstraints{})

	challenge, err := f.handler.IssueChallenge(sess.ID, v.ID, nil, "")
	require.NoError(t, err)
	frames, err := f.handler.HandleMessage(challenge)
	require.NoError(t, err)
	proof := frames[0]

	_, err = f.certs.Revoke(certificate.ID, "policy violation", "admin")
	require.NoError(t, err)

	frames, err = f.handler.HandleMessage(proof)
	require.NoError(t, err)
	assert.Equal(t, MsgTrustFailed, frames[0].MessageType)

	var failed TrustFailedPayload
	require.NoError(t, frames[0].DecodePayload(&failed))
	assert.Contains(t, failed.Reason, "revoked")

	sess, err = f.handler.GetSession(sess.ID)
	require.NoError(t, err)
	assert.False(t, sess.TrustVerified)
}

func TestChallengeRegistryTTL(t *testing.T) {
	r := NewChallengeRegistry(30 * time.Millisecond)
	ch, err := r.Issue("sess", "v", "t", nil, "")
	require.NoError(t, err)
	assert.Len(t, ch.Nonce, nonceSize)

	time.Sleep(50 * time.Millisecond)
	assert.Nil(t, r.Consume(ch.ID))

	ch2, err := r.Issue("sess", "v", "t", nil, "")
	require.NoError(t, err)
	assert.NotNil(t, r.Peek(ch2.ID))
	assert.NotNil(t, r.Consume(ch2.ID))
	assert.Nil(t, r.Consume(ch2.ID))

	_, err = r.Issue("sess", "v", "t", nil, "")
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, r.EvictExpired())
}

// ============================================================================
// CAPABILITY QUERY
// ============================================================================

func TestCapabilityQuery(t *testing.T) {
	f := newFixture(t)
	v := f.newAgent(t, "verifier", nil)
	target := f.newAgent(t, "target", []string{"code-review", "summarisation"})
	certificate := f.certify(t, target, "A", 90.2, 92)
	sess := f.activeSession(t, v, target, core.SessionConstraints{})

	query := NewEnvelope(MsgCapabilityQuery, sess.ID, v.ID, target.ID, &CapabilityQueryPayload{})
	frames, err := f.handler.HandleMessage(query)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, MsgCapabilityResponse, frames[0].MessageType)

	var resp CapabilityResponsePayload
	require.NoError(t, frames[0].DecodePayload(&resp))
	assert.Equal(t, target.ID, resp.AgentID)
	assert.Equal(t, []string{"code-review", "summarisation"}, resp.Capabilities)
	assert.Equal(t, certificate.ID, resp.CertificateID)
	assert.Equal(t, "A", resp.Grade)
}

// ============================================================================
// TASK DELEGATION
// ============================================================================

func TestTaskDelegationWithProgress(t *testing.T) {
	f := newFixture(t)
	v := f.newAgent(t, "verifier", nil)
	target := f.newAgent(t, "target", []string{"code-review"})
	sess := f.activeSession(t, v, target, core.SessionConstraints{})

	request := NewEnvelope(MsgTaskRequest, sess.ID, v.ID, target.ID, &TaskRequestPayload{
		TaskType:       "code-review",
		Description:    "review the parser changes",
		TimeoutSeconds: 120,
	})
	frames, err := f.handler.HandleMessage(request)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, MsgTaskAccepted, frames[0].MessageType)

	var accepted TaskAcceptedPayload
	require.NoError(t, frames[0].DecodePayload(&accepted))
	require.NotEmpty(t, accepted.TaskID)

	for _, p := range []float64{0.25, 0.5, 0.75} {
		progress := NewEnvelope(MsgTaskProgress, sess.ID, target.ID, v.ID, &TaskProgressPayload{
			TaskID:   accepted.TaskID,
			Progress: p,
			Status:   "working",
		})
		frames, err = f.handler.HandleMessage(progress)
		require.NoError(t, err)
		require.Len(t, frames, 1)
		assert.Equal(t, MsgTaskProgress, frames[0].MessageType)
		assert.Equal(t, v.ID, frames[0].RecipientID)
	}

	complete := NewEnvelope(MsgTaskComplete, sess.ID, target.ID, v.ID, &TaskCompletePayload{
		TaskID:     accepted.TaskID,
		Success:    true,
		Result:     map[string]interface{}{"verdict": "approved"},
		DurationMs: 58400,
	})
	frames, err = f.handler.HandleMessage(complete)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, MsgTaskComplete, frames[0].MessageType)

	// Exactly one terminal frame; a second one is a protocol error.
	failed := NewEnvelope(MsgTaskFailed, sess.ID, target.ID, v.ID, &TaskFailedPayload{
		TaskID: accepted.TaskID,
		Error:  "too late",
	})
	_, err = f.handler.HandleMessage(failed)
	assert.True(t, errors.Is(err, core.ErrProtocol))

	// Progress after the terminal frame is also rejected.
	late := NewEnvelope(MsgTaskProgress, sess.ID, target.ID, v.ID, &TaskProgressPayload{
		TaskID:   accepted.TaskID,
		Progress: 1,
	})
	_, err = f.handler.HandleMessage(late)
	assert.True(t, errors.Is(err, core.ErrProtocol))

	sess, err = f.handler.GetSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, sess.TaskCount)
}

func TestTaskRequestRejections(t *testing.T) {
	f := newFixture(t)
	v := f.newAgent(t, "verifier", nil)
	target := f.newAgent(t, "target", []string{"code-review"})

	t.Run("undeclared capability", func(t *testing.T) {
		sess := f.activeSession(t, v, target, core.SessionConstraints{})
		frames, err := f.handler.HandleMessage(NewEnvelope(MsgTaskRequest, sess.ID, v.ID, target.ID,
			&TaskRequestPayload{TaskType: "speech-synthesis"}))
		require.NoError(t, err)
		assert.Equal(t, MsgTaskRejected, frames[0].MessageType)
	})

	t.Run("task type outside session constraints", func(t *testing.T) {
		sess := f.activeSession(t, v, target, core.SessionConstraints{AllowedTaskTypes: []string{"summarisation"}})
		frames, err := f.handler.HandleMessage(NewEnvelope(MsgTaskRequest, sess.ID, v.ID, target.ID,
			&TaskRequestPayload{TaskType: "code-review"}))
		require.NoError(t, err)
		assert.Equal(t, MsgTaskRejected, frames[0].MessageType)
	})

	t.Run("task limit", func(t *testing.T) {
		sess := f.activeSession(t, v, target, core.SessionConstraints{MaxTasks: 1})
		frames, err := f.handler.HandleMessage(NewEnvelope(MsgTaskRequest, sess.ID, v.ID, target.ID,
			&TaskRequestPayload{TaskType: "code-review"}))
		require.NoError(t, err)
		assert.Equal(t, MsgTaskAccepted, frames[0].MessageType)

		frames, err = f.handler.HandleMessage(NewEnvelope(MsgTaskRequest, sess.ID, v.ID, target.ID,
			&TaskRequestPayload{TaskType: "code-review"}))
		require.NoError(t, err)
		assert.Equal(t, MsgTaskRejected, frames[0].MessageType)

		var rejected TaskRejectedPayload
		require.NoError(t, frames[0].DecodePayload(&rejected))
		assert.Contains(t, rejected.Reason, "task limit")
	})

	t.Run("unknown task id", func(t *testing.T) {
		sess := f.activeSession(t, v, target, core.SessionConstraints{})
		_, err := f.handler.HandleMessage(NewEnvelope(MsgTaskProgress, sess.ID, target.ID, v.ID,
			&TaskProgressPayload{TaskID: "nope", Progress: 0.5}))
		assert.True(t, errors.Is(err, core.ErrNotFound))
	})
}

// ============================================================================
// CORRELATION AND FABRIC
// ============================================================================

func TestCorrelator(t *testing.T) {
	c := NewCorrelator()
	c.Expect("msg-1")

	reply := &Envelope{MessageID: "msg-2", InReplyTo: "msg-1"}
	assert.True(t, c.Resolve(reply))

	got, err := c.Await(context.Background(), "msg-1")
	require.NoError(t, err)
	assert.Equal(t, "msg-2", got.MessageID)
	assert.Equal(t, 0, c.PendingCount())

	// Nothing waiting: the frame goes to the per-type handler instead.
	assert.False(t, c.Resolve(&Envelope{InReplyTo: "msg-1"}))
	assert.False(t, c.Resolve(&Envelope{}))

	// Timeout removes the pending future.
	c.Expect("msg-3")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Await(ctx, "msg-3")
	assert.True(t, errors.Is(err, core.ErrTimeout))
	assert.Equal(t, 0, c.PendingCount())
}

func TestFabricSendAndWait(t *testing.T) {
	f := newFixture(t)
	v := f.newAgent(t, "verifier", nil)
	target := f.newAgent(t, "target", []string{"code-review"})
	f.certify(t, target, "A", 90.2, 92)
	sess := f.activeSession(t, v, target, core.SessionConstraints{})

	fabric := NewFabric(f.handler, time.Minute, nil)
	defer fabric.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ping := NewEnvelope(MsgPing, sess.ID, v.ID, target.ID, nil)
	pong, err := fabric.SendAndWait(ctx, ping)
	require.NoError(t, err)
	assert.Equal(t, MsgPong, pong.MessageType)
	assert.Equal(t, ping.MessageID, pong.InReplyTo)
}

func TestFabricCompletesHandshakeInline(t *testing.T) {
	f := newFixture(t)
	v := f.newAgent(t, "verifier", nil)
	target := f.newAgent(t, "target", []string{"code-review"})
	f.certify(t, target, "A", 90.2, 92)
	sess := f.activeSession(t, v, target, core.SessionConstraints{})

	fabric := NewFabric(f.handler, time.Minute, nil)
	defer fabric.Close()

	challenge, err := f.handler.IssueChallenge(sess.ID, v.ID, []string{"code-review"}, "B")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	frames, err := fabric.Inject(ctx, challenge)
	require.NoError(t, err)

	// The fabric feeds the handler's proof straight back, so the caller sees
	// both the proof and the verification verdict.
	require.Len(t, frames, 2)
	assert.Equal(t, MsgTrustProof, frames[0].MessageType)
	assert.Equal(t, MsgTrustVerified, frames[1].MessageType)

	sess, err = f.handler.GetSession(sess.ID)
	require.NoError(t, err)
	assert.True(t, sess.TrustVerified)
}

func TestFabricIdleExpiry(t *testing.T) {
	f := newFixture(t)
	v := f.newAgent(t, "verifier", nil)
	target := f.newAgent(t, "target", nil)
	sess := f.activeSession(t, v, target, core.SessionConstraints{})

	fabric := NewFabric(f.handler, 50*time.Millisecond, nil)
	defer fabric.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := fabric.Inject(ctx, NewEnvelope(MsgPing, sess.ID, v.ID, target.ID, nil))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		sess, err := f.handler.GetSession(sess.ID)
		return err == nil && sess.Status == core.SessionExpired
	}, 2*time.Second, 20*time.Millisecond)
}
