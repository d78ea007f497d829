// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package ksignal_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/melloos/kernel/pkg/ksignal"
)

func TestRaiseAndDeliverLowestUnmasked(t *testing.T) {
	s := ksignal.NewSignals()
	require.NoError(t, s.Raise(10))
	require.NoError(t, s.Raise(5))

	d, ok := s.DeliverPending()
	require.True(t, ok)
	assert.Equal(t, 5, d.Signal)
}

func TestMaskedSignalNotDelivered(t *testing.T) {
	s := ksignal.NewSignals()
	s.SetMask(1 << 5)
	require.NoError(t, s.Raise(5))

	_, ok := s.DeliverPending()
	assert.False(t, ok)
}

func TestSIGKILLBypassesMaskAndDisposition(t *testing.T) {
	s := ksignal.NewSignals()
	s.SetMask(1 << ksignal.SIGKILL)
	require.NoError(t, s.SetDisposition(ksignal.SIGKILL, ksignal.DispositionDefault, ksignal.Handler{}))
	require.NoError(t, s.Raise(ksignal.SIGKILL))

	d, ok := s.DeliverPending()
	require.True(t, ok)
	assert.Equal(t, ksignal.SIGKILL, d.Signal)
	assert.Equal(t, ksignal.ActionTerminate, d.Action)
}

func TestCannotChangeSIGKILLDisposition(t *testing.T) {
	s := ksignal.NewSignals()
	err := s.SetDisposition(ksignal.SIGKILL, ksignal.DispositionIgnore, ksignal.Handler{})
	assert.Error(t, err)
}

func TestSendSignalProtectsInitFromSIGKILL(t *testing.T) {
	sender := ksignal.Sender{PID: 50, UID: 0, IsRoot: true}
	target := ksignal.Target{PID: 1, IsInit: true}
	sigs := ksignal.NewSignals()

	err := ksignal.SendSignal(sender, target, sigs, ksignal.SIGKILL)
	assert.Error(t, err)
}

func TestSendSignalProtectsKernelThreads(t *testing.T) {
	sender := ksignal.Sender{PID: 50, IsRoot: true}
	target := ksignal.Target{PID: 2, IsKernel: true}
	sigs := ksignal.NewSignals()

	err := ksignal.SendSignal(sender, target, sigs, 15)
	assert.Error(t, err)
}

func TestPermittedMatrix(t *testing.T) {
	samePID := ksignal.Sender{PID: 5}
	target := ksignal.Target{PID: 5, UID: 100}
	assert.True(t, ksignal.Permitted(samePID, target, 15))

	root := ksignal.Sender{PID: 1, IsRoot: true}
	assert.True(t, ksignal.Permitted(root, target, 15))

	sameSession := ksignal.Sender{PID: 9, SessionID: 3}
	jobControlTarget := ksignal.Target{PID: 5, SessionID: 3}
	assert.True(t, ksignal.Permitted(sameSession, jobControlTarget, ksignal.SIGSTOP))

	sameUID := ksignal.Sender{PID: 9, UID: 100}
	assert.True(t, ksignal.Permitted(sameUID, target, 15))

	unrelated := ksignal.Sender{PID: 9, UID: 200}
	assert.False(t, ksignal.Permitted(unrelated, target, 15))
}

func TestCustomDispositionReturnsHandler(t *testing.T) {
	s := ksignal.NewSignals()
	called := false
	h := ksignal.Handler{Entry: func(sig int) { called = true }}
	require.NoError(t, s.SetDisposition(15, ksignal.DispositionCustom, h))
	require.NoError(t, s.Raise(15))

	d, ok := s.DeliverPending()
	require.True(t, ok)
	assert.Equal(t, ksignal.DispositionCustom, d.Disposition)
	d.Handler.Entry(d.Signal)
	assert.True(t, called)
}
