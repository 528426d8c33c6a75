package session

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/polycore/runtime/crypto"
)

var bucketSnapshots = []byte("session_snapshots")

// snapshotMagic is the fixed 8-byte prefix every encoded snapshot carries
// (§6), ahead of a version byte, the gob-encoded payload, and a trailing
// digest.
const snapshotMagic = "PCORESNP"
const snapshotDiskVersion byte = 1

type snapshotPayload struct {
	StateID         State
	IntegrityDigest [32]byte
	Timestamp       time.Time
	VersionCounter  uint64
}

// SnapshotStore persists diagnostic snapshots across restarts, adapting the
// teacher's bucket-per-concern bbolt usage (node/store.DB) to a single
// bucket keyed by session id.
type SnapshotStore struct {
	db       *bolt.DB
	provider crypto.Provider
}

// OpenSnapshotStore opens (creating if absent) a bbolt database at path for
// storing session snapshots.
func OpenSnapshotStore(path string, provider crypto.Provider) (*SnapshotStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("session: open snapshot store: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSnapshots)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("session: create snapshot bucket: %w", err)
	}
	return &SnapshotStore{db: db, provider: provider}, nil
}

// Close releases the underlying database handle.
func (s *SnapshotStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Put encodes snap and stores it under sessionID.
func (s *SnapshotStore) Put(sessionID string, snap Snapshot) error {
	encoded, err := encodeSnapshot(s.provider, snap)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshots).Put([]byte(sessionID), encoded)
	})
}

// Get loads and verifies the snapshot stored under sessionID.
func (s *SnapshotStore) Get(sessionID string) (Snapshot, bool, error) {
	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketSnapshots).Get([]byte(sessionID))
		if v == nil {
			return nil
		}
		raw = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return Snapshot{}, false, err
	}
	if raw == nil {
		return Snapshot{}, false, nil
	}
	snap, err := decodeSnapshot(s.provider, raw)
	if err != nil {
		return Snapshot{}, false, err
	}
	return snap, true, nil
}

// encodeSnapshot lays out: magic(8) | version(1) | gob(payload) | digest(32).
func encodeSnapshot(provider crypto.Provider, snap Snapshot) ([]byte, error) {
	var payloadBuf bytes.Buffer
	payload := snapshotPayload{
		StateID:         snap.StateID,
		IntegrityDigest: snap.IntegrityDigest,
		Timestamp:       snap.Timestamp,
		VersionCounter:  snap.VersionCounter,
	}
	if err := gob.NewEncoder(&payloadBuf).Encode(payload); err != nil {
		return nil, fmt.Errorf("session: encode snapshot payload: %w", err)
	}

	// recordDigest guards the serialized record against disk corruption; it
	// is independent of IntegrityDigest, which guards the logical
	// (state, version) pair the machine itself checks on Restore.
	recordDigest := provider.Digest(payloadBuf.Bytes())

	out := make([]byte, 0, len(snapshotMagic)+1+payloadBuf.Len()+len(recordDigest))
	out = append(out, []byte(snapshotMagic)...)
	out = append(out, snapshotDiskVersion)
	out = append(out, payloadBuf.Bytes()...)
	out = append(out, recordDigest[:]...)
	return out, nil
}

func decodeSnapshot(provider crypto.Provider, raw []byte) (Snapshot, error) {
	const headerLen = len(snapshotMagic) + 1
	const digestLen = 32
	if len(raw) < headerLen+digestLen {
		return Snapshot{}, fmt.Errorf("session: snapshot record too short")
	}
	if string(raw[:len(snapshotMagic)]) != snapshotMagic {
		return Snapshot{}, fmt.Errorf("session: bad snapshot magic")
	}
	version := raw[len(snapshotMagic)]
	if version != snapshotDiskVersion {
		return Snapshot{}, fmt.Errorf("session: unsupported snapshot version %d", version)
	}

	payloadBytes := raw[headerLen : len(raw)-digestLen]
	var gotRecordDigest [32]byte
	copy(gotRecordDigest[:], raw[len(raw)-digestLen:])

	wantRecordDigest := provider.Digest(payloadBytes)
	if wantRecordDigest != gotRecordDigest {
		return Snapshot{}, fmt.Errorf("session: snapshot record digest mismatch")
	}

	var payload snapshotPayload
	if err := gob.NewDecoder(bytes.NewReader(payloadBytes)).Decode(&payload); err != nil {
		return Snapshot{}, fmt.Errorf("session: decode snapshot payload: %w", err)
	}

	return Snapshot{
		StateID:         payload.StateID,
		IntegrityDigest: payload.IntegrityDigest,
		Timestamp:       payload.Timestamp,
		VersionCounter:  payload.VersionCounter,
	}, nil
}
