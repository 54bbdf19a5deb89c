// Package store is the durable key-value state behind the raffle.
//
// Entries live in one of two classes. Instance entries hold process-wide
// values (admin, config, counters); persistent entries hold per-round and
// per-user data. Every entry carries an expiry: writes set it to now plus the
// class bump, and reads inside a writable transaction renew entries that fall
// below the class threshold. An entry past its expiry is archived, not lost:
// it still reads normally and Restore pushes its expiry out again. Nothing in
// the store is ever deleted.
package store

import (
	"time"

	"github.com/google/logger"
	bolt "go.etcd.io/bbolt"
	"go.dedis.ch/protobuf"
	"golang.org/x/xerrors"
)

// Class selects the lifetime policy of an entry.
type Class uint8

const (
	Instance Class = iota
	Persistent
)

var bucketNames = map[Class][]byte{
	Instance:   []byte("instance"),
	Persistent: []byte("persistent"),
}

const day = 24 * time.Hour

// TTL is a renewal policy: an entry whose remaining life drops below
// Threshold is pushed out to now+Bump.
type TTL struct {
	Bump      time.Duration
	Threshold time.Duration
}

var (
	DefaultInstanceTTL   = TTL{Bump: 30 * day, Threshold: 29 * day}
	DefaultPersistentTTL = TTL{Bump: 120 * day, Threshold: 100 * day}
)

// ErrReadOnly is returned by writes inside a View.
var ErrReadOnly = xerrors.New("store: write in read-only transaction")

// Options tunes a Store. The zero value uses the defaults.
type Options struct {
	Now        func() time.Time
	Instance   TTL
	Persistent TTL
	// Timeout bounds how long Open waits for the file lock.
	Timeout time.Duration
}

// Store is a bbolt file holding both entry classes.
type Store struct {
	db   *bolt.DB
	opts Options
}

// envelope is the on-disk form of every entry.
type envelope struct {
	Value     []byte
	ExpiresAt int64
}

// Open opens or creates the store file at path.
func Open(path string, opts *Options) (*Store, error) {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Instance == (TTL{}) {
		o.Instance = DefaultInstanceTTL
	}
	if o.Persistent == (TTL{}) {
		o.Persistent = DefaultPersistentTTL
	}
	if o.Timeout == 0 {
		o.Timeout = time.Second
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: o.Timeout})
	if err != nil {
		return nil, xerrors.Errorf("open store %s: %w", path, err)
	}
	err = db.Update(func(btx *bolt.Tx) error {
		for _, name := range bucketNames {
			if _, err := btx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, xerrors.Errorf("create buckets: %w", err)
	}
	return &Store{db: db, opts: o}, nil
}

// Close releases the file.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ttl(c Class) TTL {
	if c == Instance {
		return s.opts.Instance
	}
	return s.opts.Persistent
}

// Update runs fn in a single read-write transaction. All writes made through
// tx are applied only if fn returns nil.
func (s *Store) Update(fn func(tx *Tx) error) error {
	return s.db.Update(func(btx *bolt.Tx) error {
		tx := s.begin(btx, false)
		if err := fn(tx); err != nil {
			return err
		}
		return tx.flush()
	})
}

// View runs fn in a read-only transaction. Reads do not renew entries.
func (s *Store) View(fn func(tx *Tx) error) error {
	return s.db.View(func(btx *bolt.Tx) error {
		return fn(s.begin(btx, true))
	})
}

func (s *Store) begin(btx *bolt.Tx, readOnly bool) *Tx {
	return &Tx{
		store:    s,
		btx:      btx,
		readOnly: readOnly,
		now:      s.opts.Now(),
		writes:   make(map[string]*entry),
	}
}

// Restore renews every archived entry (one whose expiry has passed) to now
// plus its class bump and returns how many were renewed.
func (s *Store) Restore() (int, error) {
	now := s.opts.Now()
	restored := 0
	err := s.db.Update(func(btx *bolt.Tx) error {
		for c, name := range bucketNames {
			b := btx.Bucket(name)
			renewed := map[string][]byte{}
			err := b.ForEach(func(k, v []byte) error {
				env := envelope{}
				if err := protobuf.Decode(v, &env); err != nil {
					logger.Warningf("store: skipping undecodable entry %q: %v", k, err)
					return nil
				}
				if env.ExpiresAt > now.Unix() {
					return nil
				}
				env.ExpiresAt = now.Add(s.ttl(c).Bump).Unix()
				buf, err := protobuf.Encode(&env)
				if err != nil {
					return xerrors.Errorf("encode envelope %s: %w", k, err)
				}
				renewed[string(k)] = buf
				return nil
			})
			if err != nil {
				return err
			}
			for k, buf := range renewed {
				if err := b.Put([]byte(k), buf); err != nil {
					return err
				}
			}
			restored += len(renewed)
		}
		return nil
	})
	return restored, err
}
