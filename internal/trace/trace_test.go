package trace

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcert/backend/internal/core"
	"github.com/agentcert/backend/internal/store"
)

func newTraceFixture(t *testing.T, buffer int) (*Service, *Streamer, *core.Agent) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "trace.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	now := time.Now().UTC()
	agent := &core.Agent{
		ID:        uuid.NewString(),
		OrgID:     "org-1",
		Name:      "tracer",
		Status:    core.AgentActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, st.CreateAgent(agent))

	streamer := NewStreamer(buffer, nil)
	return NewService(st, streamer, nil), streamer, agent
}

func endedSpan(clientID, name, kind string, start time.Time, dur time.Duration) SpanInput {
	end := start.Add(dur)
	return SpanInput{
		SpanID:    clientID,
		Type:      kind,
		Name:      name,
		Status:    "ok",
		StartedAt: start,
		EndedAt:   &end,
	}
}

func TestIngestStreamOrdering(t *testing.T) {
	svc, streamer, agent := newTraceFixture(t, 16)
	sub := streamer.Subscribe(agent.OrgID)
	defer streamer.Unsubscribe(sub)

	start := time.Now().UTC().Add(-time.Second)
	result, err := svc.Ingest(context.Background(), &IngestInput{
		AgentID: agent.ID,
		Spans: []SpanInput{
			endedSpan("c1", "plan", "llm", start, 100*time.Millisecond),
			endedSpan("c2", "fetch", "tool", start.Add(100*time.Millisecond), 200*time.Millisecond),
			endedSpan("c3", "answer", "llm_call", start.Add(300*time.Millisecond), 100*time.Millisecond),
		},
	})
	require.NoError(t, err)
	assert.True(t, result.Created)
	assert.True(t, result.Finalized)
	assert.Equal(t, core.TraceCompleted, result.Trace.Status)

	// Exactly: trace_started, span_added x3 in submission order, trace_completed.
	expectTypes := []EventType{EventTraceStarted, EventSpanAdded, EventSpanAdded, EventSpanAdded, EventTraceCompleted}
	var got []*Event
	for range expectTypes {
		select {
		case ev := <-sub.C:
			got = append(got, ev)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for stream event")
		}
	}
	for i, ev := range got {
		assert.Equal(t, expectTypes[i], ev.Type)
		assert.Equal(t, result.Trace.ID, ev.TraceID)
	}
	assert.Equal(t, "plan", got[1].Span.Name)
	assert.Equal(t, "fetch", got[2].Span.Name)
	assert.Equal(t, "answer", got[3].Span.Name)

	select {
	case ev := <-sub.C:
		t.Fatalf("unexpected extra event %s", ev.Type)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestIngestResolvesKindsParentsAndAggregates(t *testing.T) {
	svc, _, agent := newTraceFixture(t, 4)

	start := time.Now().UTC().Add(-time.Second)
	llm := endedSpan("c1", "think", "llm", start, 50*time.Millisecond)
	llm.InputTokens, llm.OutputTokens, llm.TotalTokens, llm.LatencyMs = 100, 40, 140, 900

	tool := endedSpan("c2", "search", "tool", start.Add(50*time.Millisecond), 20*time.Millisecond)
	tool.ParentSpanID = "c1"
	tool.LatencyMs = 300

	odd := endedSpan("c3", "mystery", "quantum", start.Add(70*time.Millisecond), time.Millisecond)

	result, err := svc.Ingest(context.Background(), &IngestInput{
		AgentID: agent.ID,
		Spans:   []SpanInput{llm, tool, odd},
	})
	require.NoError(t, err)

	spans := result.Spans
	require.Len(t, spans, 3)
	assert.Equal(t, core.SpanLLMCall, spans[0].Kind)
	assert.Equal(t, core.SpanToolCall, spans[1].Kind)
	assert.Equal(t, core.SpanCustom, spans[2].Kind)

	// Client parent id remapped to the server id assigned in this batch.
	assert.Equal(t, spans[0].ID, spans[1].ParentSpanID)
	assert.NotEqual(t, "c1", spans[1].ParentSpanID)

	tr := result.Trace
	assert.Equal(t, int64(100), tr.TotalInputTokens)
	assert.Equal(t, int64(40), tr.TotalOutputTokens)
	assert.Equal(t, int64(140), tr.TotalTokens)
	assert.Equal(t, int64(1200), tr.TotalLatencyMs)
	assert.Equal(t, int64(1), tr.ToolCallCount)
	assert.Equal(t, 3, tr.SpanCount)

	// Sequence follows submission order, not clock order.
	stored, storedSpans, err := svc.Get(tr.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TraceCompleted, stored.Status)
	for i, sp := range storedSpans {
		assert.Equal(t, uint64(i), sp.Seq)
	}
}

func TestIngestThreadContinuation(t *testing.T) {
	svc, _, agent := newTraceFixture(t, 4)
	start := time.Now().UTC().Add(-time.Minute)

	open := SpanInput{SpanID: "c1", Type: "llm", Name: "first", StartedAt: start}
	first, err := svc.Ingest(context.Background(), &IngestInput{
		AgentID:  agent.ID,
		ThreadID: "thread-7",
		Spans:    []SpanInput{open},
	})
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.False(t, first.Finalized)
	assert.Equal(t, core.TraceRunning, first.Trace.Status)

	second, err := svc.Ingest(context.Background(), &IngestInput{
		AgentID:  agent.ID,
		ThreadID: "thread-7",
		Spans:    []SpanInput{endedSpan("c2", "second", "llm", start.Add(time.Second), time.Second)},
	})
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Trace.ID, second.Trace.ID)
	assert.Equal(t, 2, second.Trace.SpanCount)

	// A fresh thread gets a fresh trace.
	third, err := svc.Ingest(context.Background(), &IngestInput{
		AgentID:  agent.ID,
		ThreadID: "thread-8",
		Spans:    []SpanInput{endedSpan("c3", "other", "llm", start, time.Second)},
	})
	require.NoError(t, err)
	assert.True(t, third.Created)
	assert.NotEqual(t, first.Trace.ID, third.Trace.ID)
}

func TestIngestErrors(t *testing.T) {
	svc, _, agent := newTraceFixture(t, 4)
	start := time.Now().UTC()

	_, err := svc.Ingest(context.Background(), &IngestInput{
		AgentID: agent.ID,
		TraceID: "missing",
		Spans:   []SpanInput{endedSpan("c1", "x", "llm", start, time.Second)},
	})
	assert.True(t, errors.Is(err, core.ErrNotFound))

	_, err = svc.Ingest(context.Background(), &IngestInput{AgentID: agent.ID})
	assert.True(t, errors.Is(err, core.ErrInvalidArgument))

	_, err = svc.Ingest(context.Background(), &IngestInput{
		AgentID: "no-such-agent",
		Spans:   []SpanInput{endedSpan("c1", "x", "llm", start, time.Second)},
	})
	assert.True(t, errors.Is(err, core.ErrNotFound))

	bad := endedSpan("c1", "backwards", "llm", start, time.Second)
	end := start.Add(-time.Hour)
	bad.EndedAt = &end
	_, err = svc.Ingest(context.Background(), &IngestInput{
		AgentID: agent.ID,
		Spans:   []SpanInput{bad},
	})
	assert.True(t, errors.Is(err, core.ErrInvalidArgument))
}

func TestIngestParentMustBelongToSameTrace(t *testing.T) {
	svc, _, agent := newTraceFixture(t, 4)
	start := time.Now().UTC().Add(-time.Minute)

	other, err := svc.Ingest(context.Background(), &IngestInput{
		AgentID: agent.ID,
		Spans:   []SpanInput{endedSpan("c1", "elsewhere", "llm", start, time.Second)},
	})
	require.NoError(t, err)
	foreign := other.Spans[0].ID

	// A parent id owned by another trace is rejected, not persisted.
	orphan := endedSpan("c1", "stray", "llm", start, time.Second)
	orphan.ParentSpanID = foreign
	_, err = svc.Ingest(context.Background(), &IngestInput{
		AgentID: agent.ID,
		Spans:   []SpanInput{orphan},
	})
	assert.True(t, errors.Is(err, core.ErrInvalidArgument))

	// So is a parent id that exists nowhere.
	orphan.ParentSpanID = "never-issued"
	_, err = svc.Ingest(context.Background(), &IngestInput{
		AgentID: agent.ID,
		Spans:   []SpanInput{orphan},
	})
	assert.True(t, errors.Is(err, core.ErrInvalidArgument))
}

func TestIngestParentResolvesAcrossBatches(t *testing.T) {
	svc, _, agent := newTraceFixture(t, 4)
	start := time.Now().UTC().Add(-time.Minute)

	first, err := svc.Ingest(context.Background(), &IngestInput{
		AgentID:  agent.ID,
		ThreadID: "thread-9",
		Spans:    []SpanInput{{SpanID: "c1", Type: "llm", Name: "root", StartedAt: start}},
	})
	require.NoError(t, err)
	rootID := first.Spans[0].ID

	// A later batch may parent onto a stored span of the same trace by its
	// server id.
	child := endedSpan("c2", "child", "tool", start.Add(time.Second), time.Second)
	child.ParentSpanID = rootID
	second, err := svc.Ingest(context.Background(), &IngestInput{
		AgentID:  agent.ID,
		ThreadID: "thread-9",
		Spans:    []SpanInput{child},
	})
	require.NoError(t, err)
	assert.Equal(t, first.Trace.ID, second.Trace.ID)
	assert.Equal(t, rootID, second.Spans[0].ParentSpanID)
}

func TestIngestIntoFinalizedTraceRejected(t *testing.T) {
	svc, _, agent := newTraceFixture(t, 4)
	start := time.Now().UTC()

	done, err := svc.Ingest(context.Background(), &IngestInput{
		AgentID: agent.ID,
		Spans:   []SpanInput{endedSpan("c1", "x", "llm", start, time.Second)},
	})
	require.NoError(t, err)
	require.True(t, done.Finalized)

	_, err = svc.Ingest(context.Background(), &IngestInput{
		AgentID: agent.ID,
		TraceID: done.Trace.ID,
		Spans:   []SpanInput{endedSpan("c2", "late", "llm", start, time.Second)},
	})
	assert.True(t, errors.Is(err, core.ErrPreconditionFailed))
}

func TestIngestErrorSpanFailsTrace(t *testing.T) {
	svc, _, agent := newTraceFixture(t, 4)
	start := time.Now().UTC()

	bad := endedSpan("c1", "boom", "tool", start, time.Second)
	bad.Status = "error"
	bad.ErrorType = "timeout"

	result, err := svc.Ingest(context.Background(), &IngestInput{
		AgentID: agent.ID,
		Spans:   []SpanInput{bad, endedSpan("c2", "ok", "llm", start, time.Second)},
	})
	require.NoError(t, err)
	assert.True(t, result.Finalized)
	assert.Equal(t, core.TraceFailed, result.Trace.Status)
}

func TestStreamerDropsOnFullQueueOnly(t *testing.T) {
	streamer := NewStreamer(1, nil)
	slow := streamer.Subscribe("org-1")
	fast := streamer.Subscribe("org-1")
	defer streamer.Unsubscribe(slow)
	defer streamer.Unsubscribe(fast)

	// Fill slow's queue, then drain fast continuously.
	streamer.Publish(&Event{Type: EventSpanAdded, OrgID: "org-1", TraceID: "t"})
	<-fast.C

	streamer.Publish(&Event{Type: EventSpanAdded, OrgID: "org-1", TraceID: "t"})

	// fast still got the second event; slow silently dropped it.
	select {
	case ev := <-fast.C:
		assert.Equal(t, EventSpanAdded, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("unaffected subscriber missed the event")
	}
	assert.Len(t, slow.C, 1)
}

func TestStreamerScoping(t *testing.T) {
	streamer := NewStreamer(4, nil)
	one := streamer.Subscribe("org-1")
	two := streamer.Subscribe("org-2")
	defer streamer.Unsubscribe(one)

	streamer.Publish(&Event{Type: EventTraceStarted, OrgID: "org-1", TraceID: "t"})
	assert.Len(t, one.C, 1)
	assert.Len(t, two.C, 0)

	assert.Equal(t, 1, streamer.SubscriberCount("org-1"))
	streamer.Unsubscribe(two)
	assert.Equal(t, 0, streamer.SubscriberCount("org-2"))
	// Unsubscribing twice is harmless.
	streamer.Unsubscribe(two)
}

func TestPruneOlderThan(t *testing.T) {
	svc, _, agent := newTraceFixture(t, 4)

	old := time.Now().UTC().Add(-48 * time.Hour)
	_, err := svc.Ingest(context.Background(), &IngestInput{
		AgentID: agent.ID,
		Spans:   []SpanInput{endedSpan("c1", "old", "llm", old, time.Second)},
	})
	require.NoError(t, err)

	fresh, err := svc.Ingest(context.Background(), &IngestInput{
		AgentID: agent.ID,
		Spans:   []SpanInput{endedSpan("c2", "fresh", "llm", time.Now().UTC().Add(-time.Minute), time.Second)},
	})
	require.NoError(t, err)

	svc.PruneOlderThan(24 * time.Hour)

	traces, err := svc.List(store.TraceFilter{OrgID: agent.OrgID})
	require.NoError(t, err)
	require.Len(t, traces, 1)
	assert.Equal(t, fresh.Trace.ID, traces[0].ID)
}
