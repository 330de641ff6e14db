package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
	"go.etcd.io/bbolt"
)

const bucketCredentials = "credentials"

// Credentials is one stored OAuth grant for a (provider, account) slot.
// ExpiresAt is absolute epoch milliseconds. A record without a refresh token
// is kept on disk but never used for new flows.
type Credentials struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
	ProjectID    string `json:"project_id,omitempty"`
	Email        string `json:"email,omitempty"`
	AccountID    string `json:"account_id,omitempty"`
}

func (c Credentials) fresh() bool {
	return time.Now().UnixMilli() < c.ExpiresAt
}

// credStore is the persistent OAuth vault, one JSON record per
// (provider, account) key in a single bbolt bucket. bbolt gives us the
// single-writer discipline and a bounded busy-wait on open.
type credStore struct {
	db *bbolt.DB
}

func newCredStore(path string) (*credStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create credential dir: %w", err)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists([]byte(bucketCredentials))
		return e
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &credStore{db: db}, nil
}

func (s *credStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func credKey(provider string, account int) []byte {
	return []byte(fmt.Sprintf("%s/%010d", provider, account))
}

func credPrefix(provider string) []byte {
	return []byte(provider + "/")
}

func accountFromKey(key, prefix []byte) (int, bool) {
	var n int
	if _, err := fmt.Sscanf(string(key[len(prefix):]), "%d", &n); err != nil {
		return 0, false
	}
	return n, true
}

// get returns the stored credentials for the slot. A record that fails to
// deserialize is deleted and reported absent so corruption never cascades.
func (s *credStore) get(provider string, account int) (Credentials, bool, error) {
	var creds Credentials
	found := false
	corrupt := false
	key := credKey(provider, account)
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket([]byte(bucketCredentials)).Get(key)
		if raw == nil {
			return nil
		}
		if errJSON := json.Unmarshal(raw, &creds); errJSON != nil {
			corrupt = true
			return nil
		}
		found = true
		return nil
	})
	if err != nil {
		return Credentials{}, false, err
	}
	if corrupt {
		log.Warnf("credential record %s/%d is corrupt, deleting", provider, account)
		_ = s.db.Update(func(tx *bbolt.Tx) error {
			return tx.Bucket([]byte(bucketCredentials)).Delete(key)
		})
		return Credentials{}, false, nil
	}
	return creds, found, nil
}

type storedAccount struct {
	account int
	creds   Credentials
}

// getAll returns every slot for a provider ordered by account number. The key
// encoding is zero-padded so cursor order is account order.
func (s *credStore) getAll(provider string) ([]storedAccount, error) {
	var out []storedAccount
	var corrupt [][]byte
	prefix := credPrefix(provider)
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(bucketCredentials)).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasKeyPrefix(k, prefix); k, v = c.Next() {
			account, ok := accountFromKey(k, prefix)
			if !ok {
				continue
			}
			var creds Credentials
			if errJSON := json.Unmarshal(v, &creds); errJSON != nil {
				corrupt = append(corrupt, append([]byte(nil), k...))
				continue
			}
			out = append(out, storedAccount{account: account, creds: creds})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(corrupt) > 0 {
		log.Warnf("deleting %d corrupt credential records for %s", len(corrupt), provider)
		_ = s.db.Update(func(tx *bbolt.Tx) error {
			b := tx.Bucket([]byte(bucketCredentials))
			for _, k := range corrupt {
				if errDel := b.Delete(k); errDel != nil {
					return errDel
				}
			}
			return nil
		})
	}
	return out, nil
}

func (s *credStore) save(provider string, creds Credentials, account int) error {
	raw, err := json.Marshal(creds)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketCredentials)).Put(credKey(provider, account), raw)
	})
}

// remove deletes one slot, or every slot for the provider when account < 0.
func (s *credStore) remove(provider string, account int) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketCredentials))
		if account >= 0 {
			return b.Delete(credKey(provider, account))
		}
		prefix := credPrefix(provider)
		c := b.Cursor()
		for k, _ := c.Seek(prefix); k != nil && hasKeyPrefix(k, prefix); k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

// nextAccount returns max(account)+1, or 0 when the provider has no slots.
func (s *credStore) nextAccount(provider string) (int, error) {
	all, err := s.getAll(provider)
	if err != nil {
		return 0, err
	}
	next := 0
	for _, sa := range all {
		if sa.account >= next {
			next = sa.account + 1
		}
	}
	return next, nil
}

func (s *credStore) count(provider string) int {
	all, err := s.getAll(provider)
	if err != nil {
		return 0
	}
	return len(all)
}

// findByIdentity matches an existing slot by non-empty email or account id so
// a re-login reuses the slot instead of growing the pool.
func (s *credStore) findByIdentity(provider string, candidate Credentials) (int, bool) {
	all, err := s.getAll(provider)
	if err != nil {
		return 0, false
	}
	for _, sa := range all {
		if candidate.Email != "" && sa.creds.Email == candidate.Email {
			return sa.account, true
		}
		if candidate.AccountID != "" && sa.creds.AccountID == candidate.AccountID {
			return sa.account, true
		}
	}
	return 0, false
}

// exists reports whether any stored slot still has a refresh token.
func (s *credStore) exists(provider string) bool {
	all, err := s.getAll(provider)
	if err != nil {
		return false
	}
	for _, sa := range all {
		if sa.creds.RefreshToken != "" {
			return true
		}
	}
	return false
}

func hasKeyPrefix(b, prefix []byte) bool {
	return len(b) >= len(prefix) && string(b[:len(prefix)]) == string(prefix)
}
