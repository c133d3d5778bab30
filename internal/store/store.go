// Package store persists all durable entities in a single embedded bbolt
// database. Every multi-entity mutation runs inside one transaction; index
// buckets provide the secondary lookups (agent name, thread, organisation).
package store

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketAgents      = []byte("agents")
	bucketTraces      = []byte("traces")
	bucketSpans       = []byte("spans")
	bucketEvaluations = []byte("evaluations")
	bucketCerts       = []byte("certificates")
	bucketRevocations = []byte("revocations")
	bucketSessions    = []byte("sessions")

	bucketIdxAgentName  = []byte("idx_agent_name")  // org::name -> agentID
	bucketIdxOrgAgents  = []byte("idx_org_agents")  // org::agentID -> agentID
	bucketIdxAgentCerts = []byte("idx_agent_certs") // agentID::certID -> certID
	bucketIdxAgentEvals = []byte("idx_agent_evals") // agentID::evalID -> evalID
	bucketIdxThread     = []byte("idx_thread")      // agentID::threadID::startNano -> traceID
	bucketIdxOrgTraces  = []byte("idx_org_traces")  // org::startNano::traceID -> traceID
)

// Store wraps a bbolt database with domain operations.
type Store struct {
	db *bolt.DB
}

// Open creates or opens the database at path and ensures all buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{
			bucketAgents, bucketTraces, bucketSpans, bucketEvaluations,
			bucketCerts, bucketRevocations, bucketSessions,
			bucketIdxAgentName, bucketIdxOrgAgents, bucketIdxAgentCerts,
			bucketIdxAgentEvals, bucketIdxThread, bucketIdxOrgTraces,
		} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// compositeKey joins key parts with the "::" separator. Entity ids are
// UUIDs, so the separator cannot collide with id content.
func compositeKey(parts ...string) []byte {
	out := parts[0]
	for _, p := range parts[1:] {
		out += "::" + p
	}
	return []byte(out)
}

// prefixEnd returns the smallest key greater than every key with the given
// prefix, for bounded cursor scans.
func prefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xFF {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

func hasPrefix(key, prefix []byte) bool {
	return len(key) >= len(prefix) && string(key[:len(prefix)]) == string(prefix)
}
