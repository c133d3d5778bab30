package store

import (
	"encoding/json"
	"fmt"
	"sort"

	bolt "go.etcd.io/bbolt"

	"github.com/agentcert/backend/internal/core"
)

// PutEvaluation persists an evaluation run and its agent index entry.
func (s *Store) PutEvaluation(run *core.EvaluationRun) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal evaluation: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketIdxAgentEvals).Put(compositeKey(run.AgentID, run.ID), []byte(run.ID)); err != nil {
			return err
		}
		return tx.Bucket(bucketEvaluations).Put([]byte(run.ID), data)
	})
}

// GetEvaluation returns an evaluation run by id.
func (s *Store) GetEvaluation(id string) (*core.EvaluationRun, error) {
	var run *core.EvaluationRun
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketEvaluations).Get([]byte(id))
		if v == nil {
			return core.NotFoundf("evaluation %s", id)
		}
		run = &core.EvaluationRun{}
		return json.Unmarshal(v, run)
	})
	return run, err
}

// ListEvaluations returns an agent's evaluation runs, newest first.
func (s *Store) ListEvaluations(agentID string, limit int) ([]*core.EvaluationRun, error) {
	if limit <= 0 {
		limit = 100
	}
	var runs []*core.EvaluationRun
	err := s.db.View(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketIdxAgentEvals)
		evals := tx.Bucket(bucketEvaluations)
		prefix := compositeKey(agentID, "")
		c := idx.Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			raw := evals.Get(v)
			if raw == nil {
				continue
			}
			var run core.EvaluationRun
			if err := json.Unmarshal(raw, &run); err != nil {
				continue
			}
			runs = append(runs, &run)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	if len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}
