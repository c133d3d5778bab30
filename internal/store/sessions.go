package store

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/agentcert/backend/internal/core"
)

// PutSession persists a communication session snapshot.
func (s *Store) PutSession(sess *core.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).Put([]byte(sess.ID), data)
	})
}

// GetSession returns a session by id.
func (s *Store) GetSession(id string) (*core.Session, error) {
	var sess *core.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketSessions).Get([]byte(id))
		if v == nil {
			return core.NotFoundf("session %s", id)
		}
		sess = &core.Session{}
		return json.Unmarshal(v, sess)
	})
	return sess, err
}

// ListSessions returns sessions where the agent participates, optionally
// filtered by status.
func (s *Store) ListSessions(agentID string, status core.SessionStatus) ([]*core.Session, error) {
	var sessions []*core.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(k, v []byte) error {
			var sess core.Session
			if err := json.Unmarshal(v, &sess); err != nil {
				return nil
			}
			if agentID != "" && !sess.Participant(agentID) {
				return nil
			}
			if status != "" && sess.Status != status {
				return nil
			}
			sessions = append(sessions, &sess)
			return nil
		})
	})
	return sessions, err
}
