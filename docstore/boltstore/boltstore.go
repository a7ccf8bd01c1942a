// Package boltstore is an embedded docstore engine backed by BoltDB.
//
// Every collection path gets its own bucket. A value is a small JSON envelope
// holding the document version, its timestamps and the document body. Bolt
// allows a single writer at a time, so Commit checks preconditions and applies
// writes inside one db.Update.
package boltstore

import (
	"context"
	"os"
	"path/filepath"
	"time"

	bolt "github.com/boltdb/bolt"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"library-circulation/docstore"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type envelope struct {
	Version    int64               `json:"version"`
	CreateTime int64               `json:"create"`
	UpdateTime int64               `json:"update"`
	Data       jsoniter.RawMessage `json:"data"`
}

// Backend implements docstore.Backend.
type Backend struct {
	db  *bolt.DB
	now func() time.Time
}

// Option defines a functional option for configuring Backend.
type Option func(*Backend)

// WithClock replaces the commit clock used for timestamps and ServerTimestamp.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) {
		b.now = now
	}
}

// Open opens (or creates) the Bolt file at path.
func Open(path string, options ...Option) (*Backend, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "create db dir")
		}
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "open bolt file %s", path)
	}

	b := &Backend{db: db, now: time.Now}
	for _, option := range options {
		option(b)
	}

	return b, nil
}

// Close releases the database file lock.
func (b *Backend) Close() error {
	return b.db.Close()
}

// Load implements docstore.Backend.
func (b *Backend) Load(_ context.Context, ref docstore.Ref) (*docstore.Snapshot, error) {
	var snap *docstore.Snapshot

	err := b.db.View(func(tx *bolt.Tx) error {
		var err error
		snap, err = load(tx, ref)
		return err
	})
	if err != nil {
		return nil, err
	}

	return snap, nil
}

// List implements docstore.Backend. Bolt iterates keys in byte order.
func (b *Backend) List(_ context.Context, collection string) ([]*docstore.Snapshot, error) {
	snaps := []*docstore.Snapshot{}

	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(collection))
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(k, v []byte) error {
			snap, err := decode(docstore.Doc(collection, string(k)), v)
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

// Commit implements docstore.Backend.
func (b *Backend) Commit(ctx context.Context, preconditions []docstore.Precondition, writes []docstore.Write) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		for _, p := range preconditions {
			snap, err := load(tx, p.Ref)
			if err != nil {
				return err
			}
			if snap.Version != p.Version {
				return errors.Wrapf(docstore.ErrConflict, "%s: read version %d, now %d", p.Ref.Path(), p.Version, snap.Version)
			}
		}

		now := b.now().UTC()
		for _, w := range writes {
			if err := apply(tx, w, now); err != nil {
				return err
			}
		}

		return nil
	})
}

func apply(tx *bolt.Tx, w docstore.Write, now time.Time) error {
	current, err := load(tx, w.Ref)
	if err != nil {
		return err
	}

	switch w.Kind {
	case docstore.WriteCreate:
		if current.Exists() {
			return errors.Wrap(docstore.ErrAlreadyExists, w.Ref.Path())
		}
		return put(tx, w.Ref, current, w.Data, now)

	case docstore.WriteSet:
		return put(tx, w.Ref, current, w.Data, now)

	case docstore.WriteUpdate:
		if !current.Exists() {
			return errors.Wrap(docstore.ErrNotFound, w.Ref.Path())
		}
		data, err := docstore.ApplyUpdates(current.Data, w.Updates, now)
		if err != nil {
			return errors.Wrapf(err, "update %s", w.Ref.Path())
		}
		return put(tx, w.Ref, current, data, now)

	case docstore.WriteDelete:
		bucket := tx.Bucket([]byte(w.Ref.Collection))
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(w.Ref.ID))

	default:
		return errors.Errorf("unknown write kind %d", w.Kind)
	}
}

func put(tx *bolt.Tx, ref docstore.Ref, current *docstore.Snapshot, data []byte, now time.Time) error {
	bucket, err := tx.CreateBucketIfNotExists([]byte(ref.Collection))
	if err != nil {
		return errors.Wrapf(err, "bucket %s", ref.Collection)
	}

	env := envelope{
		Version:    current.Version + 1,
		CreateTime: now.UnixNano(),
		UpdateTime: now.UnixNano(),
		Data:       data,
	}
	if current.Exists() {
		env.CreateTime = current.CreateTime.UnixNano()
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return errors.Wrapf(err, "encode %s", ref.Path())
	}

	return bucket.Put([]byte(ref.ID), raw)
}

func load(tx *bolt.Tx, ref docstore.Ref) (*docstore.Snapshot, error) {
	bucket := tx.Bucket([]byte(ref.Collection))
	if bucket == nil {
		return &docstore.Snapshot{Ref: ref}, nil
	}

	raw := bucket.Get([]byte(ref.ID))
	if raw == nil {
		return &docstore.Snapshot{Ref: ref}, nil
	}

	return decode(ref, raw)
}

func decode(ref docstore.Ref, raw []byte) (*docstore.Snapshot, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errors.Wrapf(err, "decode %s", ref.Path())
	}

	// Bolt values are only valid for the life of the transaction.
	data := make([]byte, len(env.Data))
	copy(data, env.Data)

	return &docstore.Snapshot{
		Ref:        ref,
		Version:    env.Version,
		CreateTime: time.Unix(0, env.CreateTime).UTC(),
		UpdateTime: time.Unix(0, env.UpdateTime).UTC(),
		Data:       data,
	}, nil
}
