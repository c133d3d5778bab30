package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/agentcert/backend/internal/core"
)

// spanKey orders spans by persistence sequence within their trace.
func spanKey(traceID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s::%012d", traceID, seq))
}

func threadIdxKey(agentID, threadID string, startedAt time.Time) []byte {
	return compositeKey(agentID, threadID, fmt.Sprintf("%020d", startedAt.UnixNano()))
}

func orgTraceIdxKey(orgID string, startedAt time.Time, traceID string) []byte {
	return compositeKey(orgID, fmt.Sprintf("%020d", startedAt.UnixNano()), traceID)
}

// PutTrace persists a trace and its indexes.
func (s *Store) PutTrace(tr *core.Trace) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putTraceLocked(tx, tr)
	})
}

func putTraceLocked(tx *bolt.Tx, tr *core.Trace) error {
	data, err := json.Marshal(tr)
	if err != nil {
		return fmt.Errorf("marshal trace: %w", err)
	}
	if err := tx.Bucket(bucketTraces).Put([]byte(tr.ID), data); err != nil {
		return err
	}
	if tr.ThreadID != "" {
		if err := tx.Bucket(bucketIdxThread).Put(threadIdxKey(tr.AgentID, tr.ThreadID, tr.StartedAt), []byte(tr.ID)); err != nil {
			return err
		}
	}
	return tx.Bucket(bucketIdxOrgTraces).Put(orgTraceIdxKey(tr.OrgID, tr.StartedAt, tr.ID), []byte(tr.ID))
}

// GetTrace returns a trace by id.
func (s *Store) GetTrace(id string) (*core.Trace, error) {
	var tr *core.Trace
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketTraces).Get([]byte(id))
		if v == nil {
			return core.NotFoundf("trace %s", id)
		}
		tr = &core.Trace{}
		return json.Unmarshal(v, tr)
	})
	return tr, err
}

// LatestTraceForThread returns the most recent trace for an agent's thread,
// or nil when the thread has none.
func (s *Store) LatestTraceForThread(agentID, threadID string) (*core.Trace, error) {
	var tr *core.Trace
	err := s.db.View(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketIdxThread)
		prefix := compositeKey(agentID, threadID, "")
		c := idx.Cursor()

		var latest []byte
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			latest = v
		}
		if latest == nil {
			return nil
		}
		raw := tx.Bucket(bucketTraces).Get(latest)
		if raw == nil {
			return nil
		}
		tr = &core.Trace{}
		return json.Unmarshal(raw, tr)
	})
	return tr, err
}

// TraceFilter bounds a trace listing.
type TraceFilter struct {
	OrgID   string
	AgentID string
	Limit   int
}

// ListTraces returns traces of an organisation, newest first.
func (s *Store) ListTraces(filter TraceFilter) ([]*core.Trace, error) {
	if filter.Limit <= 0 {
		filter.Limit = 100
	}
	var traces []*core.Trace
	err := s.db.View(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketIdxOrgTraces)
		tb := tx.Bucket(bucketTraces)
		prefix := compositeKey(filter.OrgID, "")
		c := idx.Cursor()

		// Walk the org's window backwards: newest first.
		end := prefixEnd(prefix)
		var k, v []byte
		if end == nil {
			k, v = c.Last()
		} else if k, _ = c.Seek(end); k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}
		for ; k != nil && hasPrefix(k, prefix) && len(traces) < filter.Limit; k, v = c.Prev() {
			raw := tb.Get(v)
			if raw == nil {
				continue
			}
			var tr core.Trace
			if err := json.Unmarshal(raw, &tr); err != nil {
				continue
			}
			if filter.AgentID != "" && tr.AgentID != filter.AgentID {
				continue
			}
			traces = append(traces, &tr)
		}
		return nil
	})
	return traces, err
}

// AppendSpans atomically persists a batch of spans and the updated trace
// record. Spans receive consecutive sequence numbers continuing from the
// trace's current span count; the caller passes the trace with counters
// already aggregated.
func (s *Store) AppendSpans(tr *core.Trace, spans []*core.Span) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		sb := tx.Bucket(bucketSpans)
		for _, span := range spans {
			data, err := json.Marshal(span)
			if err != nil {
				return fmt.Errorf("marshal span: %w", err)
			}
			if err := sb.Put(spanKey(tr.ID, span.Seq), data); err != nil {
				return err
			}
		}
		return putTraceLocked(tx, tr)
	})
}

// ListSpans returns a trace's spans in persistence order.
func (s *Store) ListSpans(traceID string) ([]*core.Span, error) {
	var spans []*core.Span
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSpans).Cursor()
		prefix := compositeKey(traceID, "")
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var sp core.Span
			if err := json.Unmarshal(v, &sp); err != nil {
				continue
			}
			spans = append(spans, &sp)
		}
		return nil
	})
	return spans, err
}

// DeleteTrace removes a trace and its spans.
func (s *Store) DeleteTrace(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		traces := tx.Bucket(bucketTraces)
		if traces.Get([]byte(id)) == nil {
			return core.NotFoundf("trace %s", id)
		}
		return deleteTraceLocked(tx, traces, tx.Bucket(bucketSpans), id)
	})
}

func deleteTraceLocked(tx *bolt.Tx, traces, spans *bolt.Bucket, traceID string) error {
	raw := traces.Get([]byte(traceID))
	if raw != nil {
		var tr core.Trace
		if err := json.Unmarshal(raw, &tr); err == nil {
			if tr.ThreadID != "" {
				if err := tx.Bucket(bucketIdxThread).Delete(threadIdxKey(tr.AgentID, tr.ThreadID, tr.StartedAt)); err != nil {
					return err
				}
			}
			if err := tx.Bucket(bucketIdxOrgTraces).Delete(orgTraceIdxKey(tr.OrgID, tr.StartedAt, tr.ID)); err != nil {
				return err
			}
		}
	}
	c := spans.Cursor()
	prefix := compositeKey(traceID, "")
	for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
		if err := c.Delete(); err != nil {
			return err
		}
	}
	return traces.Delete([]byte(traceID))
}

// PruneTracesBefore deletes traces started before the cutoff. Returns the
// number of traces removed.
func (s *Store) PruneTracesBefore(cutoff time.Time) (int, error) {
	pruned := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		traces := tx.Bucket(bucketTraces)
		spans := tx.Bucket(bucketSpans)
		var old []string
		if err := traces.ForEach(func(k, v []byte) error {
			var tr core.Trace
			if err := json.Unmarshal(v, &tr); err == nil && tr.StartedAt.Before(cutoff) {
				old = append(old, tr.ID)
			}
			return nil
		}); err != nil {
			return err
		}
		for _, id := range old {
			if err := deleteTraceLocked(tx, traces, spans, id); err != nil {
				return err
			}
			pruned++
		}
		return nil
	})
	return pruned, err
}
