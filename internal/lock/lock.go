// Package lock holds cross-process advisory locks so that only one storesync
// process drives a given peer at a time.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
)

// ErrLocked is returned when another process holds the lock.
var ErrLocked = errors.New("another storesync process is syncing this peer")

// Set is a group of held peer locks.
type Set struct {
	locks []*flock.Flock
}

// Path returns the lock file for peerID under dir.
func Path(dir, peerID string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		}
		return '_'
	}, peerID)
	return filepath.Join(dir, "peer-"+name+".lock")
}

// Peers takes the lock for every peer id without blocking. Either all locks
// are held on return or none are.
func Peers(dir string, peerIDs ...string) (*Set, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	s := &Set{}
	for _, id := range peerIDs {
		l := flock.New(Path(dir, id))
		locked, err := l.TryLock()
		if err != nil {
			s.Release()
			return nil, fmt.Errorf("acquiring lock for %s: %w", id, err)
		}
		if !locked {
			s.Release()
			return nil, fmt.Errorf("%w: %s", ErrLocked, id)
		}
		s.locks = append(s.locks, l)
	}
	return s, nil
}

// Release unlocks everything in the set. It is safe to call more than once.
func (s *Set) Release() {
	if s == nil {
		return
	}
	for _, l := range s.locks {
		_ = l.Unlock()
	}
	s.locks = nil
}
