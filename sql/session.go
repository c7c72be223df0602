package sql

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionDone is returned when a session that was already undone or squashed is used.
	ErrSessionDone = errors.New("database: session is done")
	// ErrSessionNotTop is returned when a session is used while it has an open nested session.
	ErrSessionNotTop = errors.New("database: session has open nested session")
)

// Session is a nested transactional view over the ledger backed by an sqlite savepoint.
// Session observes writes of its parent. Writes made within the session are
// discarded by Undo or merged into the parent by Squash.
//
// Only the innermost open session of a Tx may be used.
type Session struct {
	tx     *Tx
	parent *Session
	name   string
	depth  int
	done   bool
}

// Session opens a session nested directly under the transaction.
// It fails if the transaction already has an open session.
func (tx *Tx) Session() (*Session, error) {
	if tx.committed || tx.released {
		return nil, ErrTxDone
	}
	if len(tx.sessions) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotTop, tx.sessions[len(tx.sessions)-1].name)
	}
	return tx.openSession(nil)
}

func (tx *Tx) openSession(parent *Session) (*Session, error) {
	tx.savepoints++
	s := &Session{
		tx:     tx,
		parent: parent,
		name:   fmt.Sprintf("session_%d", tx.savepoints),
		depth:  len(tx.sessions) + 1,
	}
	if _, err := tx.Exec("SAVEPOINT "+s.name+";", nil, nil); err != nil {
		return nil, fmt.Errorf("open %s: %w", s.name, err)
	}
	tx.sessions = append(tx.sessions, s)
	return s, nil
}

func (s *Session) check() error {
	if s.done {
		return ErrSessionDone
	}
	if top := s.tx.sessions[len(s.tx.sessions)-1]; top != s {
		return fmt.Errorf("%w: %s is open under %s", ErrSessionNotTop, top.name, s.name)
	}
	return nil
}

// Session opens a session nested under s.
func (s *Session) Session() (*Session, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.tx.openSession(s)
}

// Depth returns nesting level of the session, 1 for a session opened directly on Tx.
func (s *Session) Depth() int {
	return s.depth
}

// Done returns true if session was undone or squashed.
func (s *Session) Done() bool {
	return s.done
}

// Exec query within the session.
func (s *Session) Exec(query string, encoder Encoder, decoder Decoder) (int, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	return s.tx.Exec(query, encoder, decoder)
}

// Undo discards every write made within the session.
func (s *Session) Undo() error {
	if err := s.check(); err != nil {
		return err
	}
	if _, err := s.tx.Exec("ROLLBACK TO "+s.name+";", nil, nil); err != nil {
		return fmt.Errorf("rollback %s: %w", s.name, err)
	}
	if err := s.release(); err != nil {
		return err
	}
	sessionsUndone.Inc()
	return nil
}

// Squash merges writes made within the session into the parent session.
func (s *Session) Squash() error {
	if err := s.check(); err != nil {
		return err
	}
	if err := s.release(); err != nil {
		return err
	}
	sessionsSquashed.Inc()
	return nil
}

func (s *Session) release() error {
	if _, err := s.tx.Exec("RELEASE "+s.name+";", nil, nil); err != nil {
		return fmt.Errorf("release %s: %w", s.name, err)
	}
	s.done = true
	s.tx.sessions = s.tx.sessions[:len(s.tx.sessions)-1]
	return nil
}
