package sync

import (
	"errors"
	"fmt"

	"github.com/marcus/storesync/internal/models"
	"github.com/marcus/storesync/internal/store"
)

// ErrorKind classifies engine failures by how they are handled.
type ErrorKind string

const (
	// KindTransient covers network errors and timeouts; retried at the same cursor.
	KindTransient ErrorKind = "transient"
	// KindProtocol covers malformed pages and non-advancing cursors; pauses the partition.
	KindProtocol ErrorKind = "protocol"
	// KindStorage covers local transaction failures; the page is retried.
	KindStorage ErrorKind = "storage"
	// KindConfig covers unknown peers and invalid entity types; fails the job.
	KindConfig ErrorKind = "config"
)

var (
	ErrAlreadyRunning    = errors.New("sync already running for peer")
	ErrUnknownPeer       = errors.New("unknown peer")
	ErrInvalidEntityType = errors.New("invalid entity type")
	ErrJobNotFound       = store.ErrJobNotFound
	ErrCursorStalled     = errors.New("peer returned has_more with a non-advancing cursor")
)

// SyncError carries the kind and location of an engine failure.
type SyncError struct {
	Kind       ErrorKind
	Op         string
	PeerID     string
	EntityType models.EntityType
	Err        error
}

func (e *SyncError) Error() string {
	switch {
	case e.PeerID != "" && e.EntityType != "":
		return fmt.Sprintf("%s %s/%s [%s]: %v", e.Op, e.PeerID, e.EntityType, e.Kind, e.Err)
	case e.PeerID != "":
		return fmt.Sprintf("%s %s [%s]: %v", e.Op, e.PeerID, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s [%s]: %v", e.Op, e.Kind, e.Err)
	}
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// NewError wraps err with a kind. Fetch implementations use it to classify transport failures.
func NewError(kind ErrorKind, op string, err error) *SyncError {
	return &SyncError{Kind: kind, Op: op, Err: err}
}

// Transient wraps err as a retryable transport failure.
func Transient(op string, err error) error { return NewError(KindTransient, op, err) }

// Protocol wraps err as a peer protocol violation.
func Protocol(op string, err error) error { return NewError(KindProtocol, op, err) }

// KindOf returns the kind of the first SyncError in err's chain. Unclassified
// errors are treated as storage failures when they wrap store errors and as
// transient otherwise.
func KindOf(err error) ErrorKind {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind
	}
	switch {
	case errors.Is(err, ErrUnknownPeer), errors.Is(err, ErrInvalidEntityType):
		return KindConfig
	case errors.Is(err, ErrCursorStalled):
		return KindProtocol
	case errors.Is(err, store.ErrCheckpointMoved):
		return KindStorage
	}
	return KindTransient
}

// IsTransient returns true if err should be retried at the same cursor.
func IsTransient(err error) bool { return err != nil && KindOf(err) == KindTransient }

// IsProtocol returns true if err is a peer protocol violation.
func IsProtocol(err error) bool { return err != nil && KindOf(err) == KindProtocol }

// IsStorage returns true if err is a local storage failure.
func IsStorage(err error) bool { return err != nil && KindOf(err) == KindStorage }

// IsConfig returns true if err is a configuration error that fails a job outright.
func IsConfig(err error) bool { return err != nil && KindOf(err) == KindConfig }

func withPartition(err error, peerID string, t models.EntityType) error {
	var se *SyncError
	if errors.As(err, &se) {
		if se.PeerID == "" {
			se.PeerID = peerID
		}
		if se.EntityType == "" {
			se.EntityType = t
		}
		return err
	}
	return &SyncError{Kind: KindOf(err), Op: "sync", PeerID: peerID, EntityType: t, Err: err}
}
