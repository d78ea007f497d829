// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package proc

import (
	"github.com/melloos/kernel/pkg/kerrors"
	"github.com/melloos/kernel/pkg/ksync"
)

// Session holds {sid, controlling terminal, foreground pgid, member
// pgids} (spec §4.11).
type Session struct {
	SID                 int
	ControllingTerminal  int // 0 means none
	ForegroundPGID       int
	MemberPGIDs          map[int]bool
}

func newSession(sid int) *Session {
	return &Session{SID: sid, MemberPGIDs: map[int]bool{}}
}

// ProcessGroup holds {pgid, sid, member pids} (spec §4.11).
type ProcessGroup struct {
	PGID       int
	SID        int
	MemberPIDs map[int]bool
}

func newProcessGroup(pgid, sid int) *ProcessGroup {
	return &ProcessGroup{PGID: pgid, SID: sid, MemberPIDs: map[int]bool{}}
}

// SessionManager owns the session and process-group tables and
// implements setsid/setpgid/tcsetpgrp/tcgetpgrp under a single
// lock-ordered mutex (outer: session table, per spec §5's lock order —
// session/process-group mutation always takes the table lock before any
// individual session's).
type SessionManager struct {
	mu       *ksync.OrderedMutex
	sessions map[int]*Session
	groups   map[int]*ProcessGroup
}

func NewSessionManager() *SessionManager {
	return &SessionManager{
		mu:       ksync.NewOrderedMutex(ksync.LevelSessionTable),
		sessions: map[int]*Session{},
		groups:   map[int]*ProcessGroup{},
	}
}

// Setsid makes t a session and process-group leader: a new session and
// process group are created, both with t's pid as their id. Fails if t
// is already a process-group leader (POSIX constraint: a process-group
// leader cannot start a new session).
func (m *SessionManager) Setsid(t *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if g, ok := m.groups[t.PGID]; ok && g.PGID == t.PID {
		return kerrors.New("proc: process-group leader cannot setsid")
	}

	m.removeFromGroup(t)

	sess := newSession(t.PID)
	sess.MemberPGIDs[t.PID] = true
	m.sessions[t.PID] = sess

	grp := newProcessGroup(t.PID, t.PID)
	grp.MemberPIDs[t.PID] = true
	m.groups[t.PID] = grp

	t.SID = t.PID
	t.PGID = t.PID
	return nil
}

// Setpgid moves t into process group pgid, creating it if pgid == t.PID
// (becoming a group leader) and pgid does not already exist; it is an
// error to move a task into a group belonging to a different session, or
// to move a session leader.
func (m *SessionManager) Setpgid(t *Task, pgid int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t.SID == t.PID {
		return kerrors.New("proc: session leader cannot change process group")
	}
	if pgid == 0 {
		pgid = t.PID
	}

	target, exists := m.groups[pgid]
	if !exists {
		if pgid != t.PID {
			return kerrors.New("proc: target process group does not exist")
		}
		target = newProcessGroup(pgid, t.SID)
		m.groups[pgid] = target
	} else if target.SID != t.SID {
		return kerrors.New("proc: cannot move process group across sessions")
	}

	m.removeFromGroup(t)
	target.MemberPIDs[t.PID] = true
	if sess, ok := m.sessions[t.SID]; ok {
		sess.MemberPGIDs[pgid] = true
	}
	t.PGID = pgid
	return nil
}

func (m *SessionManager) removeFromGroup(t *Task) {
	if g, ok := m.groups[t.PGID]; ok {
		delete(g.MemberPIDs, t.PID)
		if len(g.MemberPIDs) == 0 {
			delete(m.groups, t.PGID)
		}
	}
}

// TIOCSCTTY acquires a controlling terminal for t's session. Only a
// session leader may do this (spec §4.11).
func (m *SessionManager) TIOCSCTTY(t *Task, terminal int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[t.SID]
	if !ok || sess.SID != t.PID {
		return kerrors.New("proc: only a session leader may acquire a controlling terminal")
	}
	sess.ControllingTerminal = terminal
	return nil
}

// Tcsetpgrp sets the foreground process group for the session owning
// terminal, provided pgid is a process group within that same session.
func (m *SessionManager) Tcsetpgrp(sid, pgid int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sid]
	if !ok {
		return kerrors.New("proc: no such session")
	}
	if !sess.MemberPGIDs[pgid] {
		return kerrors.New("proc: process group is not a member of this session")
	}
	sess.ForegroundPGID = pgid
	return nil
}

func (m *SessionManager) Tcgetpgrp(sid int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sid]
	if !ok {
		return 0, kerrors.New("proc: no such session")
	}
	return sess.ForegroundPGID, nil
}

func (m *SessionManager) Session(sid int) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sid]
	return s, ok
}

func (m *SessionManager) Group(pgid int) (*ProcessGroup, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[pgid]
	return g, ok
}
