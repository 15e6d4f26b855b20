package models

import (
	"fmt"
	"time"
)

// EntityType names a synchronized business entity kind
type EntityType string

const (
	EntityProduct     EntityType = "product"
	EntityInventory   EntityType = "inventory"
	EntityCustomer    EntityType = "customer"
	EntityTransaction EntityType = "transaction"
)

// AllEntityTypes returns every entity type the engine can sync, in a stable order.
func AllEntityTypes() []EntityType {
	return []EntityType{EntityProduct, EntityInventory, EntityCustomer, EntityTransaction}
}

// IsValidEntityType checks if an entity type is known
func IsValidEntityType(t EntityType) bool {
	switch t {
	case EntityProduct, EntityInventory, EntityCustomer, EntityTransaction:
		return true
	}
	return false
}

// EntityRef uniquely identifies one logical record across the fleet.
type EntityRef struct {
	Type    EntityType `json:"entity_type"`
	ID      string     `json:"entity_id"`
	StoreID string     `json:"store_id"`
}

func (r EntityRef) String() string {
	return fmt.Sprintf("%s/%s@%s", r.Type, r.ID, r.StoreID)
}

// Version identifies one record of an entity: the origin store and its logical clock.
type Version struct {
	Origin string `json:"origin"`
	Clock  int64  `json:"clock"`
}

func (v Version) String() string {
	return fmt.Sprintf("%s:%d", v.Origin, v.Clock)
}

// After reports whether v orders after o: higher clock first, origin id breaks ties.
func (v Version) After(o Version) bool {
	if v.Clock != o.Clock {
		return v.Clock > o.Clock
	}
	return v.Origin > o.Origin
}

// ChangeRecord is one immutable mutation of an entity.
type ChangeRecord struct {
	Seq        int64     `json:"seq,omitempty"` // local change log position, zero until appended
	Ref        EntityRef `json:"ref"`
	Origin     string    `json:"origin"`
	Clock      int64     `json:"clock"`
	Base       *Version  `json:"base,omitempty"` // version this change was written on top of
	Payload    Payload   `json:"payload"`
	Deleted    bool      `json:"deleted,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Version returns the record's (origin, clock) pair.
func (c ChangeRecord) Version() Version {
	return Version{Origin: c.Origin, Clock: c.Clock}
}

// EntityState is the current local value of an entity.
type EntityState struct {
	Ref       EntityRef
	Version   Version
	Seq       int64 // change log sequence of the record that produced this state
	Payload   Payload
	Deleted   bool
	UpdatedAt time.Time
}

// SyncPoint is the last common point between this store and a peer for one entity.
type SyncPoint struct {
	PeerID      string
	Ref         EntityRef
	LocalSeq    int64 // local change log sequence right after the last apply
	RemoteClock int64 // clock of the last remote record applied
	UpdatedAt   time.Time
}

// Checkpoint records the last durably synced position for a (peer, entity type) pair.
type Checkpoint struct {
	PeerID           string     `json:"peer_id"`
	EntityType       EntityType `json:"entity_type"`
	Cursor           string     `json:"cursor"` // empty means from the beginning
	AppliedUpToClock int64      `json:"applied_up_to_clock"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Resolution names the winner of a conflict
type Resolution string

const (
	ResolutionLocal  Resolution = "local"
	ResolutionRemote Resolution = "remote"
	ResolutionMerged Resolution = "merged"
)

// ConflictRecord is the audit entry written whenever both sides changed an entity.
type ConflictRecord struct {
	ID             int64        `json:"id"`
	PeerID         string       `json:"peer_id"`
	Ref            EntityRef    `json:"ref"`
	Local          ChangeRecord `json:"local"`
	Remote         ChangeRecord `json:"remote"`
	Resolution     Resolution   `json:"resolution"`
	ResolverReason string       `json:"resolver_reason"`
	ResolvedAt     time.Time    `json:"resolved_at"`
}

// SyncMode selects how a job treats stored checkpoints
type SyncMode string

const (
	ModeIncremental SyncMode = "incremental"
	ModeFull        SyncMode = "full"
)

// IsValidSyncMode checks if a mode is known
func IsValidSyncMode(m SyncMode) bool {
	return m == ModeIncremental || m == ModeFull
}

// JobState is the lifecycle state of a sync job
type JobState string

const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobPaused    JobState = "paused"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// Terminal reports whether no further work will happen for the job.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// PartitionState is the lifecycle state of one (peer, entity type) task
type PartitionState string

const (
	PartitionPending   PartitionState = "pending"
	PartitionFetching  PartitionState = "fetching"
	PartitionApplying  PartitionState = "applying"
	PartitionCommitted PartitionState = "committed"
	PartitionCompleted PartitionState = "completed"
	PartitionPaused    PartitionState = "paused"
)

// PartitionProgress is the persisted progress of one partition within a job.
type PartitionProgress struct {
	EntityType EntityType     `json:"entity_type"`
	State      PartitionState `json:"state"`
	Processed  int64          `json:"processed"`
	Created    int64          `json:"created"`
	Updated    int64          `json:"updated"`
	Conflicts  int64          `json:"conflicts"`
	Failed     int64          `json:"failed"`
	Pages      int64          `json:"pages"`
	Cursor     string         `json:"cursor"`
	Error      string         `json:"error,omitempty"`
	ErrorKind  string         `json:"error_kind,omitempty"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Job is a persisted sync job.
type Job struct {
	ID              string       `json:"job_id"`
	PeerID          string       `json:"peer_id"`
	EntityTypes     []EntityType `json:"entity_types"`
	Mode            SyncMode     `json:"mode"`
	State           JobState     `json:"state"`
	Reason          string       `json:"reason,omitempty"`
	CancelRequested bool         `json:"cancel_requested"`
	StartedAt       time.Time    `json:"started_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
	FinishedAt      *time.Time   `json:"finished_at,omitempty"`
}

// JobSnapshot is a job plus the last persisted progress of each partition.
type JobSnapshot struct {
	Job
	Partitions map[EntityType]PartitionProgress `json:"per_partition_progress"`
}

// DeriveJobState computes the overall job state from its partitions.
// Any paused partition pauses the job; completion requires every partition at head.
func DeriveJobState(parts map[EntityType]PartitionProgress) JobState {
	if len(parts) == 0 {
		return JobPending
	}
	paused, completed := 0, 0
	for _, p := range parts {
		switch p.State {
		case PartitionPaused:
			paused++
		case PartitionCompleted:
			completed++
		}
	}
	switch {
	case paused > 0:
		return JobPaused
	case completed == len(parts):
		return JobCompleted
	default:
		return JobRunning
	}
}
