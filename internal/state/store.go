// Package state persists gateway session identity across restarts so the
// client can RESUME instead of re-identifying after every container bounce.
package state

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/neveroff/neveroff/internal/fsutil"
)

// Session is the durable document kept on the volume. Sequence is a pointer
// because "no sequence seen yet" and "sequence 0" mean different things to
// the RESUME handshake.
type Session struct {
	InstanceID  string  `json:"instance_id,omitempty"`
	SessionID   string  `json:"session_id,omitempty"`
	Sequence    *int64  `json:"sequence,omitempty"`
	LastAckUnix float64 `json:"last_ack_unix,omitempty"`
}

// Resumable reports whether enough identity survived to attempt a RESUME.
func (s Session) Resumable() bool { return s.SessionID != "" && s.Sequence != nil }

type Store struct {
	path   string
	logger *zap.SugaredLogger

	mu  sync.Mutex
	cur Session
}

// Open loads the session document at path. A missing or corrupt file yields
// an empty session; persistence problems must never block startup.
func Open(path string, logger *zap.SugaredLogger) *Store {
	st := &Store{path: path, logger: logger}
	st.mu.Lock()
	defer st.mu.Unlock()
	b, err := os.ReadFile(path)
	if err == nil {
		if uerr := json.Unmarshal(b, &st.cur); uerr != nil {
			logger.Warnw("state file unreadable, starting fresh", "path", path, "error", uerr)
			st.cur = Session{}
		}
	} else if !os.IsNotExist(err) {
		logger.Warnw("state file unreadable, starting fresh", "path", path, "error", err)
	}
	if st.cur.InstanceID == "" {
		st.cur.InstanceID = uuid.NewString()
		st.persistLocked()
	}
	return st
}

func (s *Store) Snapshot() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

// Update applies fn to the session under the lock and persists the result.
func (s *Store) Update(fn func(*Session)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.cur)
	s.persistLocked()
}

// Reset drops the resumable identity but keeps the instance id.
func (s *Store) Reset() {
	s.Update(func(sess *Session) {
		sess.SessionID = ""
		sess.Sequence = nil
	})
}

func (s *Store) Path() string { return s.path }

func (s *Store) persistLocked() {
	b, err := json.Marshal(s.cur)
	if err != nil {
		s.logger.Warnw("marshal state", "error", err)
		return
	}
	if err := fsutil.WriteAtomic(s.path, b, 0o600); err != nil {
		s.logger.Warnw("persist state", "path", s.path, "error", err)
	}
}
