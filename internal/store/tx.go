package store

import (
	"time"

	bolt "go.etcd.io/bbolt"
	"go.dedis.ch/protobuf"
	"golang.org/x/xerrors"
)

type entry struct {
	class     Class
	key       string
	value     []byte
	expiresAt int64
}

// Tx is a view of the store with a private write set. A root Tx flushes its
// writes into bbolt when the enclosing Update succeeds; a nested Tx (see Nest)
// hands them to its parent on Merge or drops them.
type Tx struct {
	store    *Store
	btx      *bolt.Tx
	parent   *Tx
	readOnly bool
	now      time.Time
	writes   map[string]*entry
}

func writeKey(c Class, key string) string {
	return string(bucketNames[c]) + "/" + key
}

// Now is the transaction's clock reading, fixed at begin.
func (tx *Tx) Now() time.Time {
	return tx.now
}

// ReadOnly reports whether writes are rejected.
func (tx *Tx) ReadOnly() bool {
	return tx.readOnly
}

// Nest opens a child transaction over tx. The child sees every write of its
// ancestors; its own writes stay private until Merge.
func (tx *Tx) Nest() *Tx {
	return &Tx{
		store:    tx.store,
		btx:      tx.btx,
		parent:   tx,
		readOnly: tx.readOnly,
		now:      tx.now,
		writes:   make(map[string]*entry),
	}
}

// Merge moves the child's writes into its parent. Calling it on a root Tx is a no-op.
func (tx *Tx) Merge() {
	if tx.parent == nil {
		return
	}
	for k, e := range tx.writes {
		tx.parent.writes[k] = e
	}
	tx.writes = make(map[string]*entry)
}

func (tx *Tx) lookup(c Class, key string) (*entry, error) {
	wk := writeKey(c, key)
	for t := tx; t != nil; t = t.parent {
		if e, ok := t.writes[wk]; ok {
			return e, nil
		}
	}
	raw := tx.btx.Bucket(bucketNames[c]).Get([]byte(key))
	if raw == nil {
		return nil, nil
	}
	env := envelope{}
	if err := protobuf.Decode(raw, &env); err != nil {
		return nil, xerrors.Errorf("decode envelope %s: %w", wk, err)
	}
	return &entry{class: c, key: key, value: append([]byte(nil), env.Value...), expiresAt: env.ExpiresAt}, nil
}

// Get decodes the entry at key into v and reports false when it is absent.
// Archived entries read like any other. In a writable transaction the entry
// is renewed if its remaining life is below the class threshold.
func (tx *Tx) Get(c Class, key string, v interface{}) (bool, error) {
	e, err := tx.lookup(c, key)
	if err != nil {
		return false, err
	}
	if e == nil {
		return false, nil
	}
	if err := protobuf.Decode(e.value, v); err != nil {
		return false, xerrors.Errorf("decode %s: %w", writeKey(c, key), err)
	}
	tx.renew(e)
	return true, nil
}

// Put encodes v and stores it at key with a fresh expiry.
func (tx *Tx) Put(c Class, key string, v interface{}) error {
	if tx.readOnly {
		return ErrReadOnly
	}
	buf, err := protobuf.Encode(v)
	if err != nil {
		return xerrors.Errorf("encode %s: %w", writeKey(c, key), err)
	}
	tx.writes[writeKey(c, key)] = &entry{
		class:     c,
		key:       key,
		value:     buf,
		expiresAt: tx.now.Add(tx.store.ttl(c).Bump).Unix(),
	}
	return nil
}

// Extend renews the entry at key if it is below the class threshold.
// It reports whether the entry exists.
func (tx *Tx) Extend(c Class, key string) (bool, error) {
	e, err := tx.lookup(c, key)
	if err != nil {
		return false, err
	}
	if e == nil {
		return false, nil
	}
	tx.renew(e)
	return true, nil
}

// ExpiresAt returns the expiry of the entry at key. A time not after Now
// means the entry is archived.
func (tx *Tx) ExpiresAt(c Class, key string) (time.Time, bool, error) {
	e, err := tx.lookup(c, key)
	if err != nil || e == nil {
		return time.Time{}, false, err
	}
	return time.Unix(e.expiresAt, 0), true, nil
}

func (tx *Tx) renew(e *entry) {
	if tx.readOnly {
		return
	}
	ttl := tx.store.ttl(e.class)
	if e.expiresAt-tx.now.Unix() >= int64(ttl.Threshold/time.Second) {
		return
	}
	tx.writes[writeKey(e.class, e.key)] = &entry{
		class:     e.class,
		key:       e.key,
		value:     e.value,
		expiresAt: tx.now.Add(ttl.Bump).Unix(),
	}
}

func (tx *Tx) flush() error {
	for _, e := range tx.writes {
		buf, err := protobuf.Encode(&envelope{Value: e.value, ExpiresAt: e.expiresAt})
		if err != nil {
			return xerrors.Errorf("encode envelope %s: %w", e.key, err)
		}
		if err := tx.btx.Bucket(bucketNames[e.class]).Put([]byte(e.key), buf); err != nil {
			return xerrors.Errorf("put %s: %w", e.key, err)
		}
	}
	return nil
}
