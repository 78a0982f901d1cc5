package storage

import (
	"sort"
	"strings"
)

// Overlay stages writes on top of a base database. Reads observe staged
// values first; nothing reaches the base until Commit writes every staged
// change in a single batch.
type Overlay struct {
	base    Database
	pending map[string][]byte
	deleted map[string]struct{}
}

// NewOverlay returns an empty staging layer over base.
func NewOverlay(base Database) *Overlay {
	return &Overlay{
		base:    base,
		pending: make(map[string][]byte),
		deleted: make(map[string]struct{}),
	}
}

func (o *Overlay) Put(key []byte, value []byte) error {
	k := string(key)
	delete(o.deleted, k)
	o.pending[k] = append([]byte(nil), value...)
	return nil
}

func (o *Overlay) Get(key []byte) ([]byte, error) {
	k := string(key)
	if _, gone := o.deleted[k]; gone {
		return nil, ErrNotFound
	}
	if value, ok := o.pending[k]; ok {
		return append([]byte(nil), value...), nil
	}
	return o.base.Get(key)
}

func (o *Overlay) Delete(key []byte) error {
	k := string(key)
	delete(o.pending, k)
	o.deleted[k] = struct{}{}
	return nil
}

// Iterate merges staged entries with the base view.
func (o *Overlay) Iterate(prefix []byte, fn func(key, value []byte) bool) error {
	merged := make(map[string][]byte)
	if err := o.base.Iterate(prefix, func(key, value []byte) bool {
		merged[string(key)] = value
		return true
	}); err != nil {
		return err
	}
	for k, v := range o.pending {
		if strings.HasPrefix(k, string(prefix)) {
			merged[k] = v
		}
	}
	for k := range o.deleted {
		delete(merged, k)
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !fn([]byte(k), append([]byte(nil), merged[k]...)) {
			return nil
		}
	}
	return nil
}

// NewBatch delegates to the base database. Batches created this way bypass
// the overlay.
func (o *Overlay) NewBatch() Batch { return o.base.NewBatch() }

// Close is a no-op; the overlay does not own the base database.
func (o *Overlay) Close() {}

// Dirty reports whether any write has been staged.
func (o *Overlay) Dirty() bool { return len(o.pending) > 0 || len(o.deleted) > 0 }

// Commit flushes the staged writes atomically and resets the overlay.
func (o *Overlay) Commit() error {
	if !o.Dirty() {
		return nil
	}
	batch := o.base.NewBatch()
	for k := range o.deleted {
		batch.Delete([]byte(k))
	}
	for k, v := range o.pending {
		batch.Put([]byte(k), v)
	}
	if err := batch.Write(); err != nil {
		return err
	}
	o.Discard()
	return nil
}

// Discard drops every staged write.
func (o *Overlay) Discard() {
	o.pending = make(map[string][]byte)
	o.deleted = make(map[string]struct{})
}
