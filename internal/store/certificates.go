package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/agentcert/backend/internal/core"
)

// IssueCertificate persists a freshly signed certificate, revoking every
// currently-active certificate of the same agent with reason "superseded"
// in the same transaction. This is what keeps the at-most-one-active
// invariant: there is never a window with two actives.
func (s *Store) IssueCertificate(cert *core.Certificate) error {
	data, err := json.Marshal(cert)
	if err != nil {
		return fmt.Errorf("marshal certificate: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		certs := tx.Bucket(bucketCerts)
		idx := tx.Bucket(bucketIdxAgentCerts)
		revocations := tx.Bucket(bucketRevocations)

		prefix := compositeKey(cert.AgentID, "")
		c := idx.Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			raw := certs.Get(v)
			if raw == nil {
				continue
			}
			var prev core.Certificate
			if err := json.Unmarshal(raw, &prev); err != nil {
				continue
			}
			if prev.Status != core.CertActive {
				continue
			}
			now := cert.IssuedAt
			prev.Status = core.CertRevoked
			prev.RevokedAt = &now
			prev.RevocationReason = "superseded"
			updated, err := json.Marshal(&prev)
			if err != nil {
				return err
			}
			if err := certs.Put([]byte(prev.ID), updated); err != nil {
				return err
			}
			entry := core.RevocationEntry{
				CertificateID: prev.ID,
				Reason:        "superseded",
				RevokedAt:     now,
			}
			entryData, err := json.Marshal(&entry)
			if err != nil {
				return err
			}
			if err := revocations.Put([]byte(prev.ID), entryData); err != nil {
				return err
			}
		}

		if err := idx.Put(compositeKey(cert.AgentID, cert.ID), []byte(cert.ID)); err != nil {
			return err
		}
		return certs.Put([]byte(cert.ID), data)
	})
}

// GetCertificate returns a certificate by id.
func (s *Store) GetCertificate(id string) (*core.Certificate, error) {
	var cert *core.Certificate
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketCerts).Get([]byte(id))
		if v == nil {
			return core.NotFoundf("certificate %s", id)
		}
		cert = &core.Certificate{}
		return json.Unmarshal(v, cert)
	})
	return cert, err
}

// PutCertificate overwrites a certificate record (status transitions).
func (s *Store) PutCertificate(cert *core.Certificate) error {
	data, err := json.Marshal(cert)
	if err != nil {
		return fmt.Errorf("marshal certificate: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCerts).Put([]byte(cert.ID), data)
	})
}

// RevokeCertificate writes the revocation entry and flips the certificate
// status in one transaction. Idempotent: an already-revoked certificate is
// returned unchanged.
func (s *Store) RevokeCertificate(id, reason, actor string, now time.Time) (*core.Certificate, error) {
	var cert *core.Certificate
	err := s.db.Update(func(tx *bolt.Tx) error {
		certs := tx.Bucket(bucketCerts)
		raw := certs.Get([]byte(id))
		if raw == nil {
			return core.NotFoundf("certificate %s", id)
		}
		cert = &core.Certificate{}
		if err := json.Unmarshal(raw, cert); err != nil {
			return err
		}
		if cert.Status == core.CertRevoked {
			return nil // idempotent
		}
		cert.Status = core.CertRevoked
		cert.RevokedAt = &now
		cert.RevocationReason = reason

		data, err := json.Marshal(cert)
		if err != nil {
			return err
		}
		if err := certs.Put([]byte(id), data); err != nil {
			return err
		}
		entry := core.RevocationEntry{
			CertificateID: id,
			Reason:        reason,
			RevokedAt:     now,
			Actor:         actor,
		}
		entryData, err := json.Marshal(&entry)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketRevocations).Put([]byte(id), entryData)
	})
	return cert, err
}

// ActiveCertificate returns the agent's single active certificate, or a
// not-found error when none exists.
func (s *Store) ActiveCertificate(agentID string) (*core.Certificate, error) {
	var cert *core.Certificate
	err := s.db.View(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketIdxAgentCerts)
		certs := tx.Bucket(bucketCerts)
		prefix := compositeKey(agentID, "")
		c := idx.Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			raw := certs.Get(v)
			if raw == nil {
				continue
			}
			var candidate core.Certificate
			if err := json.Unmarshal(raw, &candidate); err != nil {
				continue
			}
			if candidate.Status == core.CertActive {
				cert = &candidate
				return nil
			}
		}
		return core.NotFoundf("no active certificate for agent %s", agentID)
	})
	return cert, err
}

// CertFilter bounds a certificate listing.
type CertFilter struct {
	AgentID string
	OrgID   string
	Status  core.CertStatus
	Limit   int
	Offset  int
}

// ListCertificates returns certificates matching the filter.
func (s *Store) ListCertificates(filter CertFilter) ([]*core.Certificate, error) {
	if filter.Limit <= 0 {
		filter.Limit = 100
	}
	var out []*core.Certificate
	skipped := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCerts).ForEach(func(k, v []byte) error {
			if len(out) >= filter.Limit {
				return nil
			}
			var cert core.Certificate
			if err := json.Unmarshal(v, &cert); err != nil {
				return nil
			}
			if filter.AgentID != "" && cert.AgentID != filter.AgentID {
				return nil
			}
			if filter.OrgID != "" && cert.OrgID != filter.OrgID {
				return nil
			}
			if filter.Status != "" && cert.Status != filter.Status {
				return nil
			}
			if skipped < filter.Offset {
				skipped++
				return nil
			}
			out = append(out, &cert)
			return nil
		})
	})
	return out, err
}

// ListRevocations enumerates all revocation entries. Linear in the number
// of revoked certificates.
func (s *Store) ListRevocations() ([]core.RevocationEntry, error) {
	var entries []core.RevocationEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRevocations).ForEach(func(k, v []byte) error {
			var entry core.RevocationEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return nil
			}
			entries = append(entries, entry)
			return nil
		})
	})
	return entries, err
}

// SweepExpiredCertificates transitions stored active certificates past
// their expiry to expired status. Returns the number transitioned.
func (s *Store) SweepExpiredCertificates(now time.Time) (int, error) {
	swept := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		certs := tx.Bucket(bucketCerts)
		var expired []*core.Certificate
		if err := certs.ForEach(func(k, v []byte) error {
			var cert core.Certificate
			if err := json.Unmarshal(v, &cert); err != nil {
				return nil
			}
			if cert.Status == core.CertActive && cert.Expired(now) {
				expired = append(expired, &cert)
			}
			return nil
		}); err != nil {
			return err
		}
		for _, cert := range expired {
			cert.Status = core.CertExpired
			data, err := json.Marshal(cert)
			if err != nil {
				return err
			}
			if err := certs.Put([]byte(cert.ID), data); err != nil {
				return err
			}
			swept++
		}
		return nil
	})
	return swept, err
}
