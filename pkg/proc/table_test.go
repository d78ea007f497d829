// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package proc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTableInsertGetUpdateDelete(t *testing.T) {
	tbl, err := NewTable[TaskRecord]()
	require.NoError(t, err)
	defer tbl.Close()

	rec := TaskRecord{PID: 7, Name: "init"}
	require.NoError(t, tbl.Insert("7", rec))

	got, err := tbl.Get("7")
	require.NoError(t, err)
	require.Equal(t, "init", got.Name)

	require.Error(t, tbl.Insert("7", rec), "duplicate insert must fail")

	rec.Name = "init2"
	require.NoError(t, tbl.Update("7", rec))
	got, err = tbl.Get("7")
	require.NoError(t, err)
	require.Equal(t, "init2", got.Name)

	require.NoError(t, tbl.Delete("7"))
	_, err = tbl.Get("7")
	require.Error(t, err)
}

func TestTableUpdateMissingKeyFails(t *testing.T) {
	tbl, err := NewTable[TaskRecord]()
	require.NoError(t, err)
	defer tbl.Close()

	require.Error(t, tbl.Update("missing", TaskRecord{}))
}

func TestTableListReturnsAllKeys(t *testing.T) {
	tbl, err := NewTable[PortBinding]()
	require.NoError(t, err)
	defer tbl.Close()

	require.NoError(t, tbl.Insert("1", PortBinding{Port: 1, OwnerPID: 10}))
	require.NoError(t, tbl.Insert("2", PortBinding{Port: 2, OwnerPID: 20}))

	keys, err := tbl.List()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"1", "2"}, keys)
}

func TestTableSubscribePublishesEvents(t *testing.T) {
	tbl, err := NewTable[PortBinding]()
	require.NoError(t, err)
	defer tbl.Close()

	sub := tbl.Subscribe()
	require.NoError(t, tbl.Insert("5", PortBinding{Port: 5, OwnerPID: 1}))

	select {
	case ev := <-sub:
		require.Equal(t, EventCreated, ev.Kind)
		require.Equal(t, "5", ev.Key)
	case <-time.After(time.Second):
		t.Fatal("did not receive creation event")
	}

	require.NoError(t, tbl.Delete("5"))
	select {
	case ev := <-sub:
		require.Equal(t, EventDeleted, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("did not receive deletion event")
	}
}

func TestRegistryBindPortRejectsDoubleBind(t *testing.T) {
	r, err := NewRegistry()
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.BindPort(3, 100))
	require.Error(t, r.BindPort(3, 200))

	owner, err := r.PortOwner(3)
	require.NoError(t, err)
	require.Equal(t, 100, owner)

	require.NoError(t, r.UnbindPort(3))
	require.NoError(t, r.BindPort(3, 200))
}

func TestRegistryPublishAndRetireTask(t *testing.T) {
	r, err := NewRegistry()
	require.NoError(t, err)
	defer r.Close()

	task := NewTask(1, "init", 1, Credentials{}, nil)
	require.NoError(t, r.PublishTask(task))

	rec, err := r.LookupTask(1)
	require.NoError(t, err)
	require.Equal(t, "init", rec.Name)

	task.Name = "init-renamed"
	require.NoError(t, r.PublishTask(task))
	rec, err = r.LookupTask(1)
	require.NoError(t, err)
	require.Equal(t, "init-renamed", rec.Name)

	require.NoError(t, r.RetireTask(1))
	_, err = r.LookupTask(1)
	require.Error(t, err)
}
