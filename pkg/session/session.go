// Package session persists ratchet state to an embedded bbolt database,
// with the session blob itself encrypted at rest under a passphrase- or
// master-key-derived data encryption key. ServerStreaming sessions are
// never written here: Save refuses them with ErrServerStreaming.
package session

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/ecliptix-labs/channel/internal/enigma"
	"github.com/ecliptix-labs/channel/pkg/ratchet"
)

const (
	sessionsBucket = "sessions"
	authBucket     = "auth"

	kek = "session-key-encryption-key"
	dek = "session-data-encryption-key"
	dpk = "session-derived-passphrase-key"

	wrappedSaltKey = "wrapped-salt"
	wrappedKey     = "wrapped-key"
	deriveSaltKey  = "derive-salt"
	secretSaltKey  = "secret-salt"

	timestampSuffix = "_timestamp"
)

var (
	ErrMissingBucket  = errors.New("session: bucket not found")
	ErrNotFound       = errors.New("session: not found")
	ErrServerStreaming = errors.New("session: refusing to persist a server-streaming (memory-only) session")
)

// Store is the durable collaborator behind C1's session persistence.
type Store struct {
	db     *bolt.DB
	cipher *enigma.Enigma
}

// Open opens (or initializes) the session database at path, deriving its
// data-encryption key from passphrase the same way the identity keystore
// wraps its own secrets.
func Open(passphrase []byte, path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening session db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(sessionsBucket)); err != nil {
			return fmt.Errorf("creating sessions bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(authBucket)); err != nil {
			return fmt.Errorf("creating auth bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	cipher, err := openCipher(passphrase, db)
	if errors.Is(err, ErrNotFound) {
		cipher, err = createCipher(passphrase, db)
	}
	if err != nil {
		return nil, fmt.Errorf("deriving session cipher: %w", err)
	}

	return &Store{db: db, cipher: cipher}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Save persists a session's ratchet state under connectID, scoped within
// membershipID's namespace, alongside a timestamp of the write. It refuses
// ServerStreaming sessions outright since those are never durable.
func (s *Store) Save(membershipID string, connectID uint32, state *ratchet.State) error {
	if state.ExchangeType == ratchet.ServerStreaming {
		return ErrServerStreaming
	}

	data, err := state.Serialize()
	if err != nil {
		return fmt.Errorf("serializing session state: %w", err)
	}
	encrypted := s.cipher.Encrypt(data)

	key := sessionKey(membershipID, connectID)
	tsKey := append(key, []byte(timestampSuffix)...)
	ts, err := time.Now().UTC().MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshaling timestamp: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(sessionsBucket))
		if bucket == nil {
			return ErrMissingBucket
		}
		if err := bucket.Put(key, encrypted); err != nil {
			return fmt.Errorf("writing session: %w", err)
		}
		return bucket.Put(tsKey, ts)
	})
}

// Load restores a previously saved session's ratchet state.
func (s *Store) Load(membershipID string, connectID uint32) (*ratchet.State, time.Time, error) {
	key := sessionKey(membershipID, connectID)
	tsKey := append(key, []byte(timestampSuffix)...)

	var encrypted, tsBytes []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(sessionsBucket))
		if bucket == nil {
			return ErrMissingBucket
		}
		encrypted = bucket.Get(key)
		tsBytes = bucket.Get(tsKey)
		if encrypted == nil {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, time.Time{}, err
	}

	data, err := s.cipher.Decrypt(encrypted)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("decrypting session: %w", err)
	}
	state, err := ratchet.DeserializeState(data)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("deserializing session: %w", err)
	}

	var ts time.Time
	if tsBytes != nil {
		if err := ts.UnmarshalBinary(tsBytes); err != nil {
			return nil, time.Time{}, fmt.Errorf("unmarshaling timestamp: %w", err)
		}
	}
	return state, ts, nil
}

// Delete removes a persisted session, e.g. on explicit disconnect or
// identity rotation.
func (s *Store) Delete(membershipID string, connectID uint32) error {
	key := sessionKey(membershipID, connectID)
	tsKey := append(key, []byte(timestampSuffix)...)
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(sessionsBucket))
		if bucket == nil {
			return ErrMissingBucket
		}
		if err := bucket.Delete(key); err != nil {
			return err
		}
		return bucket.Delete(tsKey)
	})
}

func sessionKey(membershipID string, connectID uint32) []byte {
	b := make([]byte, len(membershipID)+1+4)
	copy(b, membershipID)
	b[len(membershipID)] = ':'
	binary.BigEndian.PutUint32(b[len(membershipID)+1:], connectID)
	return b
}

func openCipher(pass []byte, db *bolt.DB) (*enigma.Enigma, error) {
	var secretSalt, deriveSalt, wrappedSalt, wrapped []byte
	err := db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(authBucket))
		wrapped = bucket.Get([]byte(wrappedKey))
		deriveSalt = bucket.Get([]byte(deriveSaltKey))
		wrappedSalt = bucket.Get([]byte(wrappedSaltKey))
		secretSalt = bucket.Get([]byte(secretSaltKey))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading auth bucket: %w", err)
	}
	if secretSalt == nil || deriveSalt == nil || wrappedSalt == nil || wrapped == nil {
		return nil, ErrNotFound
	}

	derivedPass, err := enigma.Derive(pass, deriveSalt, []byte(dpk), 32)
	if err != nil {
		return nil, fmt.Errorf("deriving passphrase key: %w", err)
	}
	keyCipher, err := enigma.NewEnigma(derivedPass, wrappedSalt, []byte(kek))
	if err != nil {
		return nil, fmt.Errorf("constructing key cipher: %w", err)
	}
	secret, err := keyCipher.Decrypt(wrapped)
	if err != nil {
		return nil, fmt.Errorf("unwrapping data key: %w", err)
	}
	return enigma.NewEnigma(secret, secretSalt, []byte(dek))
}

func createCipher(pass []byte, db *bolt.DB) (*enigma.Enigma, error) {
	secret, secretSalt := random32(), random32()
	deriveSalt, wrappedSalt := random32(), random32()

	derivedPass, err := enigma.Derive(pass, deriveSalt, []byte(dpk), 32)
	if err != nil {
		return nil, fmt.Errorf("deriving passphrase key: %w", err)
	}
	keyCipher, err := enigma.NewEnigma(derivedPass, wrappedSalt, []byte(kek))
	if err != nil {
		return nil, fmt.Errorf("constructing key cipher: %w", err)
	}
	wrapped := keyCipher.Encrypt(secret)
	dataCipher, err := enigma.NewEnigma(secret, secretSalt, []byte(dek))
	if err != nil {
		return nil, fmt.Errorf("constructing data cipher: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(authBucket))
		for k, v := range map[string][]byte{
			wrappedKey: wrapped, wrappedSaltKey: wrappedSalt,
			deriveSaltKey: deriveSalt, secretSaltKey: secretSalt,
		} {
			if err := bucket.Put([]byte(k), v); err != nil {
				return fmt.Errorf("writing %s: %w", k, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return dataCipher, nil
}

func random32() []byte {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return b
}
