// Package storage — bolt.go
//
// BoltDB-backed audit ledger for sandboxcore.
//
// Schema (BoltDB bucket layout):
//
//	/ledger
//	    key:   RFC3339Nano timestamp + "_" + sequence  [monotonic, sortable]
//	    value: JSON-encoded LedgerEntry, Ed25519-signed
//
//	/meta
//	    key:   "schema_version"
//	    value: "1"
//
// Every entry recorded (a bootstrap step completing, a control session
// opening or closing, a relay pair opening or closing) is signed with the
// process's own Ed25519 key before being written, the same
// sign-before-persist shape the teacher's gossip envelopes use for
// peer-to-peer messages — here applied to local, single-writer records so
// a ledger file can be verified for tampering after the fact even by a
// reader that does not trust the filesystem it was copied from.
//
// Consistency model:
//   - Single-process, single-writer (BoltDB does not support concurrent
//     writers).
//   - All writes use ACID transactions (bbolt Tx.Commit()).
//   - Reads use read-only transactions (bbolt.View()).
//   - CRC32 integrity check on database open (bbolt built-in).
//
// Retention:
//   - Ledger entries older than RetentionDays are pruned on startup and
//     periodically by the retention goroutine (every 6 hours).
//
// Failure modes:
//   - BoltDB file corruption: bbolt detects via CRC and returns an error
//     on Open(). sandboxcore logs a fatal event and refuses to start.
//   - Disk full: bbolt.Update() returns an error. The caller logs the
//     error; the ledger write is lost but the in-memory session
//     continues (the ledger is an audit trail, not authoritative state).
package storage

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// DefaultDBPath is the default BoltDB file location.
	DefaultDBPath = "/var/lib/sandboxcore/ledger.db"

	// SchemaVersion is the current database schema version.
	SchemaVersion = "1"

	// DefaultRetentionDays is the default ledger retention period.
	DefaultRetentionDays = 30

	// bucketLedger is the BoltDB bucket name for audit ledger entries.
	bucketLedger = "ledger"

	// bucketMeta is the BoltDB bucket name for schema metadata.
	bucketMeta = "meta"
)

// EntryKind classifies a LedgerEntry; each SPEC_FULL component that writes
// to the ledger writes exactly one kind.
type EntryKind string

const (
	KindBootstrapStep  EntryKind = "bootstrap_step"
	KindControlSession EntryKind = "control_session"
	KindRelayPair      EntryKind = "relay_pair"
)

// LedgerEntry is a single audit log record. Stored as JSON in the ledger
// bucket, with Signature covering every other field.
type LedgerEntry struct {
	// Timestamp is the event time (nanosecond precision, UTC).
	Timestamp time.Time `json:"timestamp"`

	// Kind identifies which SPEC_FULL component recorded this entry.
	Kind EntryKind `json:"kind"`

	// Stage names the bootstrap step for KindBootstrapStep entries
	// (e.g. "pivot_filesystem", "mint_token").
	Stage string `json:"stage,omitempty"`

	// SessionID identifies a control-channel session for
	// KindControlSession entries.
	SessionID string `json:"session_id,omitempty"`

	// Outcome is a short free-form result: "success", "failure",
	// "opened", "closed", "auth_failed".
	Outcome string `json:"outcome,omitempty"`

	// BytesForwarded is populated for KindRelayPair "closed" entries.
	BytesForwarded uint64 `json:"bytes_forwarded,omitempty"`

	// Signature is the Ed25519 signature over the JSON encoding of every
	// field above (computed with this field absent).
	Signature []byte `json:"signature,omitempty"`
}

// canonicalBytes returns the deterministic byte sequence signed and
// verified for an entry: the JSON encoding of the entry with Signature
// cleared. Struct field encoding order is fixed by field declaration
// order, so this is consistent across signer and verifier.
func canonicalBytes(e LedgerEntry) ([]byte, error) {
	e.Signature = nil
	return json.Marshal(e)
}

// DB wraps a BoltDB instance with typed accessors for the sandboxcore
// audit ledger, plus the Ed25519 keypair used to sign every entry it
// writes.
type DB struct {
	db            *bolt.DB
	retentionDays int
	privateKey    ed25519.PrivateKey
	publicKey     ed25519.PublicKey
	seq           atomic.Uint64
}

// Open opens (or creates) the BoltDB database at the given path.
// Initialises all required buckets, verifies the schema version, and
// generates a fresh Ed25519 signing keypair for this process's lifetime
// (the public key is exposed via PublicKey for out-of-band distribution
// to anything that needs to verify the ledger later).
func Open(path string, retentionDays int) (*DB, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("storage.Open: generate signing key: %w", err)
	}

	bdb, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:      5 * time.Second,
		NoGrowSync:   false,
		FreelistType: bolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("bolt.Open(%q): %w", path, err)
	}

	d := &DB{db: bdb, retentionDays: retentionDays, privateKey: priv, publicKey: pub}

	if err := d.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketLedger, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			if err := meta.Put([]byte("schema_version"), []byte(SchemaVersion)); err != nil {
				return fmt.Errorf("write schema_version: %w", err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("database initialisation failed: %w", err)
	}

	if err := d.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}

	return d, nil
}

// checkSchemaVersion reads and validates the stored schema version.
func (d *DB) checkSchemaVersion() error {
	return d.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(bucketMeta))
		v := meta.Get([]byte("schema_version"))
		if string(v) != SchemaVersion {
			return fmt.Errorf(
				"schema version mismatch: database has %q, sandboxcore requires %q. "+
					"Run migration or restore from backup.",
				string(v), SchemaVersion,
			)
		}
		return nil
	})
}

// PublicKey returns the Ed25519 public key entries from this DB instance
// are signed under.
func (d *DB) PublicKey() ed25519.PublicKey { return d.publicKey }

// Close closes the underlying BoltDB file.
func (d *DB) Close() error {
	return d.db.Close()
}

// ledgerKey constructs a sortable BoltDB key for a ledger entry.
// Format: RFC3339Nano + "_" + monotonic sequence (zero-padded).
// Lexicographic sort = chronological sort, and the sequence suffix
// disambiguates entries landing in the same nanosecond.
func ledgerKey(t time.Time, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s_%020d", t.UTC().Format(time.RFC3339Nano), seq))
}

// Append signs entry with this DB's Ed25519 key and writes it to the
// ledger bucket in a single ACID transaction.
func (d *DB) Append(entry LedgerEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	msg, err := canonicalBytes(entry)
	if err != nil {
		return fmt.Errorf("storage.Append: canonicalize: %w", err)
	}
	entry.Signature = ed25519.Sign(d.privateKey, msg)

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("storage.Append: marshal: %w", err)
	}

	key := ledgerKey(entry.Timestamp, d.seq.Add(1))

	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLedger))
		if err := b.Put(key, data); err != nil {
			return fmt.Errorf("storage.Append: bolt.Put: %w", err)
		}
		return nil
	})
}

// Verify reports whether entry's signature is valid under pub.
func Verify(pub ed25519.PublicKey, entry LedgerEntry) (bool, error) {
	sig := entry.Signature
	msg, err := canonicalBytes(entry)
	if err != nil {
		return false, fmt.Errorf("storage.Verify: canonicalize: %w", err)
	}
	return ed25519.Verify(pub, msg, sig), nil
}

// PruneOldLedgerEntries deletes ledger entries older than retentionDays.
// Called on startup and periodically by the retention goroutine. Returns
// the number of entries deleted.
func (d *DB) PruneOldLedgerEntries() (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -d.retentionDays)
	cutoffKey := ledgerKey(cutoff, 0)

	var deleted int
	err := d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLedger))
		c := b.Cursor()

		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if string(k) >= string(cutoffKey) {
				break
			}
			keyCopy := make([]byte, len(k))
			copy(keyCopy, k)
			toDelete = append(toDelete, keyCopy)
		}

		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("PruneOldLedgerEntries delete: %w", err)
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// ReadLedger returns all ledger entries in chronological order. For
// operational use (ledger inspection, post-hoc signature verification).
// Not called on the hot path.
func (d *DB) ReadLedger() ([]LedgerEntry, error) {
	var entries []LedgerEntry
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLedger))
		return b.ForEach(func(_, v []byte) error {
			var entry LedgerEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, entry)
			return nil
		})
	})
	return entries, err
}
