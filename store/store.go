package store

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/cellarsync/cellarsync/assertions"
	"github.com/cellarsync/cellarsync/document"
	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"
)

var (
	ErrNotFound = errors.New("store: document not found")
	ErrConflict = errors.New("store: revision conflict")
)

var (
	bucketDocuments = []byte("documents")
	bucketMeta      = []byte("meta")

	keyActorID = []byte("actor_id")
)

type (
	// Snapshot is an immutable read of one document at one revision.
	Snapshot struct {
		ID     string
		Rev    string
		Fields document.Fields
	}

	// Store is a bbolt-backed document store with optimistic concurrency:
	// a Put succeeds only when the caller's base revision is still current.
	Store struct {
		db *bbolt.DB
	}

	storedDoc struct {
		Rev    string `msgpack:"rev"`
		Fields []byte `msgpack:"doc"`
	}
)

// Open creates or opens the store at path and initializes its buckets.
func Open(path string) (*Store, error) {
	assertions.Assert(path != "", "store path cannot be empty")

	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketDocuments); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketMeta)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: failed to initialize buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ActorID returns this installation's stable actor identifier, generating
// and persisting one on first call.
func (s *Store) ActorID() (string, error) {
	var actor string

	err := s.db.Update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if existing := meta.Get(keyActorID); existing != nil {
			actor = string(existing)
			return nil
		}

		actor = uuid.NewString()
		return meta.Put(keyActorID, []byte(actor))
	})
	if err != nil {
		return "", fmt.Errorf("store: failed to load actor ID: %w", err)
	}

	return actor, nil
}

// Get returns the current snapshot of the document, or ErrNotFound.
func (s *Store) Get(id string) (Snapshot, error) {
	assertions.Assert(id != "", "document ID cannot be empty")

	var snap Snapshot
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketDocuments).Get([]byte(id))
		if raw == nil {
			return ErrNotFound
		}

		decoded, err := decodeStored(id, raw)
		if err != nil {
			return err
		}
		snap = decoded
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// Put saves fields under id, but only if baseRev still matches the stored
// revision (empty baseRev means the document must not exist yet). Returns
// the new revision token, or ErrConflict when the check fails.
func (s *Store) Put(id string, fields document.Fields, baseRev string) (string, error) {
	assertions.Assert(id != "", "document ID cannot be empty")

	encoded, err := document.Encode(fields)
	if err != nil {
		return "", err
	}

	var newRev string
	err = s.db.Update(func(tx *bbolt.Tx) error {
		docs := tx.Bucket(bucketDocuments)

		currentRev := ""
		if raw := docs.Get([]byte(id)); raw != nil {
			current, err := decodeStored(id, raw)
			if err != nil {
				return err
			}
			currentRev = current.Rev
		}

		if currentRev != baseRev {
			return fmt.Errorf("%w: document %q is at %q, not %q", ErrConflict, id, currentRev, baseRev)
		}

		newRev = nextRev(currentRev, encoded)
		raw, err := msgpack.Marshal(storedDoc{Rev: newRev, Fields: encoded})
		if err != nil {
			return fmt.Errorf("store: failed to encode document %q: %w", id, err)
		}
		return docs.Put([]byte(id), raw)
	})
	if err != nil {
		return "", err
	}
	return newRev, nil
}

// Delete removes the document under the same optimistic check as Put.
// A deleted document simply disappears; divergent replicas see the missing
// side as a tombstone during conflict resolution.
func (s *Store) Delete(id string, baseRev string) error {
	assertions.Assert(id != "", "document ID cannot be empty")

	return s.db.Update(func(tx *bbolt.Tx) error {
		docs := tx.Bucket(bucketDocuments)

		raw := docs.Get([]byte(id))
		if raw == nil {
			return ErrNotFound
		}

		current, err := decodeStored(id, raw)
		if err != nil {
			return err
		}
		if current.Rev != baseRev {
			return fmt.Errorf("%w: document %q is at %q, not %q", ErrConflict, id, current.Rev, baseRev)
		}

		return docs.Delete([]byte(id))
	})
}

// List returns a snapshot of every live document.
func (s *Store) List() ([]Snapshot, error) {
	var snaps []Snapshot

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDocuments).ForEach(func(k, v []byte) error {
			snap, err := decodeStored(string(k), v)
			if err != nil {
				return err
			}
			snaps = append(snaps, snap)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return snaps, nil
}

// StateDigest hashes every (id, content hash) pair in key order into a
// single xxHash digest. The sequence half of the revision is store-local
// (replicas advance it at different rates), so only the content hash goes
// into the digest; two replicas with equal digests hold equal documents.
func (s *Store) StateDigest() (uint64, error) {
	digest := xxhash.New()

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDocuments).ForEach(func(k, v []byte) error {
			var doc storedDoc
			if err := msgpack.Unmarshal(v, &doc); err != nil {
				return fmt.Errorf("store: failed to decode document %q: %w", k, err)
			}
			digest.Write(k)
			digest.WriteString(RevHash(doc.Rev))
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	return digest.Sum64(), nil
}

func decodeStored(id string, raw []byte) (Snapshot, error) {
	var doc storedDoc
	if err := msgpack.Unmarshal(raw, &doc); err != nil {
		return Snapshot{}, fmt.Errorf("store: failed to decode document %q: %w", id, err)
	}

	fields, err := document.Decode(doc.Fields)
	if err != nil {
		return Snapshot{}, fmt.Errorf("store: failed to decode fields of %q: %w", id, err)
	}

	return Snapshot{ID: id, Rev: doc.Rev, Fields: fields}, nil
}

// nextRev builds a revision token of the form "<seq>-<hash>", where seq
// grows by one per write and hash is the xxHash of the encoded fields.
func nextRev(currentRev string, encoded []byte) string {
	return fmt.Sprintf("%d-%016x", RevSeq(currentRev)+1, xxhash.Sum64(encoded))
}

// RevSeq extracts the sequence number from a revision token. An empty or
// unparsable token has sequence 0.
func RevSeq(rev string) uint64 {
	seqPart, _, found := strings.Cut(rev, "-")
	if !found {
		return 0
	}
	seq, err := strconv.ParseUint(seqPart, 10, 64)
	if err != nil {
		return 0
	}
	return seq
}

// RevHash extracts the content-hash half of a revision token. Equal hashes
// mean equal field content, regardless of which replica wrote it.
func RevHash(rev string) string {
	_, hash, found := strings.Cut(rev, "-")
	if !found {
		return ""
	}
	return hash
}
