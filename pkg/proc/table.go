// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package proc

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sync"
	"sync/atomic"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/melloos/kernel/pkg/kerrors"
)

// EventKind distinguishes the three mutations a Table can publish.
type EventKind int

const (
	EventCreated EventKind = iota
	EventUpdated
	EventDeleted
)

// Event is what Table publishes to subscribers on every mutation.
type Event[T any] struct {
	Kind  EventKind
	Key   string
	Value T
}

// Table is the generic transactional state table backing every global
// process-model singleton (Task, Session, ProcessGroup, Port manager):
// an in-memory Badger keyspace, an in-flight-operation gauge, and an
// event-router goroutine fanning mutations out to subscribers. This is a
// direct generalization of the teacher's resource store (same shape:
// mutex-guarded Badger handle, atomic op gauge, buffered event channel,
// subscriber list) generics-ified and moved off protobuf onto gob, since
// the process model has no wire format to share with an external API.
type Table[T any] struct {
	mu     sync.RWMutex
	closed bool

	db          *badger.DB
	opGauge     atomic.Int32
	eventRouter chan Event[T]
	stop        chan struct{}
	subscribers []chan Event[T]
	wg          sync.WaitGroup
}

// NewTable opens an in-memory Badger keyspace for T and starts its event
// router.
func NewTable[T any]() (*Table[T], error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("proc: opening table: %w", err)
	}
	tbl := &Table[T]{
		db:          db,
		eventRouter: make(chan Event[T], 64),
		stop:        make(chan struct{}),
	}
	tbl.wg.Add(1)
	go tbl.routeEvents()
	return tbl, nil
}

func (t *Table[T]) routeEvents() {
	defer t.wg.Done()
	for {
		select {
		case ev := <-t.eventRouter:
			t.mu.RLock()
			subs := append([]chan Event[T](nil), t.subscribers...)
			t.mu.RUnlock()
			for _, s := range subs {
				select {
				case s <- ev:
				default:
				}
			}
		case <-t.stop:
			return
		}
	}
}

// Subscribe returns a channel that receives every future mutation.
func (t *Table[T]) Subscribe() <-chan Event[T] {
	ch := make(chan Event[T], 16)
	t.mu.Lock()
	t.subscribers = append(t.subscribers, ch)
	t.mu.Unlock()
	return ch
}

func (t *Table[T]) encode(v T) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("proc: encoding table value: %w", err)
	}
	return buf.Bytes(), nil
}

func (t *Table[T]) decode(raw []byte) (T, error) {
	var v T
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&v); err != nil {
		return v, fmt.Errorf("proc: decoding table value: %w", err)
	}
	return v, nil
}

// Insert adds key -> value, failing if key already exists.
func (t *Table[T]) Insert(key string, value T) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return kerrors.New("proc: table is closed")
	}
	t.opGauge.Add(1)
	defer t.opGauge.Add(-1)

	raw, err := t.encode(value)
	if err != nil {
		return err
	}
	err = t.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(key)); err == nil {
			return kerrors.New("proc: key already exists: " + key)
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		return txn.Set([]byte(key), raw)
	})
	if err != nil {
		return err
	}
	t.publish(Event[T]{Kind: EventCreated, Key: key, Value: value})
	return nil
}

// Update overwrites key's value, failing if it does not exist.
func (t *Table[T]) Update(key string, value T) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return kerrors.New("proc: table is closed")
	}
	t.opGauge.Add(1)
	defer t.opGauge.Add(-1)

	raw, err := t.encode(value)
	if err != nil {
		return err
	}
	err = t.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(key)); err != nil {
			return err
		}
		return txn.Set([]byte(key), raw)
	})
	if err != nil {
		return err
	}
	t.publish(Event[T]{Kind: EventUpdated, Key: key, Value: value})
	return nil
}

// Get returns the value stored at key.
func (t *Table[T]) Get(key string) (T, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var v T
	err := t.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(raw []byte) error {
			decoded, err := t.decode(raw)
			if err != nil {
				return err
			}
			v = decoded
			return nil
		})
	})
	return v, err
}

// Delete removes key, publishing an EventDeleted with the last known
// value.
func (t *Table[T]) Delete(key string) error {
	old, err := t.Get(key)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return kerrors.New("proc: table is closed")
	}
	if err := t.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	}); err != nil {
		return err
	}
	t.publish(Event[T]{Kind: EventDeleted, Key: key, Value: old})
	return nil
}

// List returns every key currently stored.
func (t *Table[T]) List() ([]string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var keys []string
	err := t.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Item().Key()))
		}
		return nil
	})
	return keys, err
}

func (t *Table[T]) publish(ev Event[T]) {
	select {
	case t.eventRouter <- ev:
	default:
	}
}

// InFlightOps reports the number of mutations currently executing,
// exposed to /proc-style introspection.
func (t *Table[T]) InFlightOps() int32 { return t.opGauge.Load() }

// Close stops the event router and the backing Badger handle.
func (t *Table[T]) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	close(t.stop)
	t.wg.Wait()
	return t.db.Close()
}
