package store

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/agentcert/backend/internal/core"
)

// CreateAgent persists a new agent. Display names are unique within the
// owning organisation.
func (s *Store) CreateAgent(agent *core.Agent) error {
	data, err := json.Marshal(agent)
	if err != nil {
		return fmt.Errorf("marshal agent: %w", err)
	}
	nameKey := compositeKey(agent.OrgID, agent.Name)

	return s.db.Update(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketIdxAgentName)
		if idx.Get(nameKey) != nil {
			return core.InvalidArgumentf("agent name %q already registered in organisation %s", agent.Name, agent.OrgID)
		}
		if err := idx.Put(nameKey, []byte(agent.ID)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketIdxOrgAgents).Put(compositeKey(agent.OrgID, agent.ID), []byte(agent.ID)); err != nil {
			return err
		}
		return tx.Bucket(bucketAgents).Put([]byte(agent.ID), data)
	})
}

// GetAgent returns an agent by id.
func (s *Store) GetAgent(id string) (*core.Agent, error) {
	var agent *core.Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketAgents).Get([]byte(id))
		if v == nil {
			return core.NotFoundf("agent %s", id)
		}
		agent = &core.Agent{}
		return json.Unmarshal(v, agent)
	})
	return agent, err
}

// UpdateAgent overwrites an existing agent record. Renames re-point the
// name index inside the same transaction.
func (s *Store) UpdateAgent(agent *core.Agent) error {
	data, err := json.Marshal(agent)
	if err != nil {
		return fmt.Errorf("marshal agent: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAgents)
		prev := b.Get([]byte(agent.ID))
		if prev == nil {
			return core.NotFoundf("agent %s", agent.ID)
		}
		var old core.Agent
		if err := json.Unmarshal(prev, &old); err != nil {
			return err
		}
		if old.Name != agent.Name {
			idx := tx.Bucket(bucketIdxAgentName)
			newKey := compositeKey(agent.OrgID, agent.Name)
			if idx.Get(newKey) != nil {
				return core.InvalidArgumentf("agent name %q already registered in organisation %s", agent.Name, agent.OrgID)
			}
			if err := idx.Delete(compositeKey(old.OrgID, old.Name)); err != nil {
				return err
			}
			if err := idx.Put(newKey, []byte(agent.ID)); err != nil {
				return err
			}
		}
		return b.Put([]byte(agent.ID), data)
	})
}

// ListAgents returns all agents of an organisation.
func (s *Store) ListAgents(orgID string) ([]*core.Agent, error) {
	var agents []*core.Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketIdxOrgAgents)
		agentsBucket := tx.Bucket(bucketAgents)
		prefix := compositeKey(orgID, "")
		c := idx.Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			raw := agentsBucket.Get(v)
			if raw == nil {
				continue
			}
			var a core.Agent
			if err := json.Unmarshal(raw, &a); err != nil {
				continue
			}
			agents = append(agents, &a)
		}
		return nil
	})
	return agents, err
}

// DeleteAgentCascade removes an agent and everything it owns: traces with
// their spans, evaluations and certificates. Revocation entries persist as
// CRL evidence. All deletions happen in one transaction.
func (s *Store) DeleteAgentCascade(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		agentsBucket := tx.Bucket(bucketAgents)
		raw := agentsBucket.Get([]byte(id))
		if raw == nil {
			return core.NotFoundf("agent %s", id)
		}
		var agent core.Agent
		if err := json.Unmarshal(raw, &agent); err != nil {
			return err
		}

		// Traces + spans
		traces := tx.Bucket(bucketTraces)
		spans := tx.Bucket(bucketSpans)
		var traceIDs []string
		if err := traces.ForEach(func(k, v []byte) error {
			var tr core.Trace
			if err := json.Unmarshal(v, &tr); err == nil && tr.AgentID == id {
				traceIDs = append(traceIDs, tr.ID)
			}
			return nil
		}); err != nil {
			return err
		}
		for _, traceID := range traceIDs {
			if err := deleteTraceLocked(tx, traces, spans, traceID); err != nil {
				return err
			}
		}

		// Evaluations
		if err := deleteByIndex(tx, bucketIdxAgentEvals, bucketEvaluations, id); err != nil {
			return err
		}

		// Certificates (index + record; revocations stay)
		if err := deleteByIndex(tx, bucketIdxAgentCerts, bucketCerts, id); err != nil {
			return err
		}

		if err := tx.Bucket(bucketIdxAgentName).Delete(compositeKey(agent.OrgID, agent.Name)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketIdxOrgAgents).Delete(compositeKey(agent.OrgID, id)); err != nil {
			return err
		}
		return agentsBucket.Delete([]byte(id))
	})
}

// deleteByIndex removes all entities referenced by an agent-scoped index.
func deleteByIndex(tx *bolt.Tx, idxName, entityName []byte, agentID string) error {
	idx := tx.Bucket(idxName)
	entities := tx.Bucket(entityName)
	prefix := compositeKey(agentID, "")
	c := idx.Cursor()
	for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
		if err := entities.Delete(v); err != nil {
			return err
		}
		if err := c.Delete(); err != nil {
			return err
		}
	}
	return nil
}
