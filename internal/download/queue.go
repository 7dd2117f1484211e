package download

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/sonicvault/sonicvault-go/internal/catalog"
	apperrors "github.com/sonicvault/sonicvault-go/internal/errors"
	"github.com/sonicvault/sonicvault-go/internal/quality"
)

// State is the lifecycle position of a queue item.
type State string

const (
	StatePending   State = "pending"
	StateInFlight  State = "in_flight"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Item is one requested download. It lives in exactly one of the queue's
// four sets at any time.
type Item struct {
	ID               string        `json:"id"`
	TrackID          string        `json:"track_id"`
	Track            catalog.Track `json:"track"`
	RequestedQuality quality.Tier  `json:"requested_quality"`
	IsAutoDownloaded bool          `json:"is_auto_downloaded"`
	State            State         `json:"state"`
	Err              error         `json:"-"`
	EnqueuedAt       time.Time     `json:"enqueued_at"`
	FinishedAt       time.Time     `json:"finished_at,omitempty"`
}

// ErrorMessage returns the failure message, or "" for items that did not fail.
func (i Item) ErrorMessage() string {
	if i.Err == nil {
		return ""
	}
	return i.Err.Error()
}

func newItem(track catalog.Track, tier quality.Tier, auto bool) *Item {
	return &Item{
		ID:               uuid.NewString(),
		TrackID:          track.ID,
		Track:            track,
		RequestedQuality: tier,
		IsAutoDownloaded: auto,
		EnqueuedAt:       time.Now(),
	}
}

// Queue is the item state machine: Pending -> InFlight -> Completed|Failed.
// It is not safe for concurrent use; Scheduler guards it with its mutex.
type Queue struct {
	pending   []*Item
	inFlight  map[string]*Item
	completed []*Item
	failed    []*Item
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{inFlight: make(map[string]*Item)}
}

// Enqueue appends item to the back of Pending.
func (q *Queue) Enqueue(item *Item) {
	item.State = StatePending
	item.Err = nil
	q.pending = append(q.pending, item)
}

// Finish records an item that never needed a transfer directly as Completed.
func (q *Queue) Finish(item *Item) {
	item.State = StateCompleted
	item.FinishedAt = time.Now()
	q.completed = append(q.completed, item)
}

// Remove takes every pending item for trackID out of the queue. Items that
// were already admitted are untouched and ErrNotPending is returned when
// nothing was pending.
func (q *Queue) Remove(trackID string) ([]*Item, error) {
	var removed []*Item
	kept := q.pending[:0]
	for _, item := range q.pending {
		if item.TrackID == trackID {
			removed = append(removed, item)
			continue
		}
		kept = append(kept, item)
	}
	// clear the tail so removed items are not retained by the backing array
	for i := len(kept); i < len(q.pending); i++ {
		q.pending[i] = nil
	}
	q.pending = kept

	if len(removed) == 0 {
		return nil, apperrors.ErrNotPending
	}
	return removed, nil
}

// Admit moves up to max-|InFlight| items from the front of Pending into
// InFlight and returns them. It never lets InFlight exceed max. An item whose
// track is already in flight stays pending, in order, until that transfer
// finishes.
func (q *Queue) Admit(max int) []*Item {
	available := max - len(q.inFlight)
	if available <= 0 || len(q.pending) == 0 {
		return nil
	}

	active := make(map[string]bool, len(q.inFlight)+available)
	for _, item := range q.inFlight {
		active[item.TrackID] = true
	}

	var admitted []*Item
	held := make([]*Item, 0, len(q.pending))
	for _, item := range q.pending {
		if len(admitted) == available || active[item.TrackID] {
			held = append(held, item)
			continue
		}
		active[item.TrackID] = true
		item.State = StateInFlight
		q.inFlight[item.ID] = item
		admitted = append(admitted, item)
	}
	q.pending = held
	return admitted
}

// Complete moves an in-flight item to Completed.
func (q *Queue) Complete(id string) (*Item, error) {
	item, ok := q.inFlight[id]
	if !ok {
		return nil, apperrors.NewNotFoundError("item is not in flight: " + id)
	}
	delete(q.inFlight, id)
	item.State = StateCompleted
	item.FinishedAt = time.Now()
	q.completed = append(q.completed, item)
	return item, nil
}

// Fail moves an in-flight item to Failed with cause.
func (q *Queue) Fail(id string, cause error) (*Item, error) {
	item, ok := q.inFlight[id]
	if !ok {
		return nil, apperrors.NewNotFoundError("item is not in flight: " + id)
	}
	delete(q.inFlight, id)
	item.State = StateFailed
	item.Err = cause
	item.FinishedAt = time.Now()
	q.failed = append(q.failed, item)
	return item, nil
}

// TakeFailed removes a failed item so it can be enqueued again.
func (q *Queue) TakeFailed(id string) (*Item, error) {
	for i, item := range q.failed {
		if item.ID == id {
			q.failed = append(q.failed[:i], q.failed[i+1:]...)
			return item, nil
		}
	}
	return nil, apperrors.NewNotFoundError("no failed item with id " + id)
}

// InFlightForTrack returns the admitted items downloading trackID.
func (q *Queue) InFlightForTrack(trackID string) []*Item {
	var items []*Item
	for _, item := range q.inFlight {
		if item.TrackID == trackID {
			items = append(items, item)
		}
	}
	return items
}

// Idle reports whether nothing is pending or in flight.
func (q *Queue) Idle() bool {
	return len(q.pending) == 0 && len(q.inFlight) == 0
}

// Counts returns the size of each set.
func (q *Queue) Counts() (pending, inFlight, completed, failed int) {
	return len(q.pending), len(q.inFlight), len(q.completed), len(q.failed)
}

// Snapshot is a copy of the queue's sets at one instant.
type Snapshot struct {
	Pending   []Item `json:"pending"`
	InFlight  []Item `json:"in_flight"`
	Completed []Item `json:"completed"`
	Failed    []Item `json:"failed"`
}

// Snapshot copies every set. InFlight is ordered by enqueue time.
func (q *Queue) Snapshot() Snapshot {
	inFlight := make([]*Item, 0, len(q.inFlight))
	for _, item := range q.inFlight {
		inFlight = append(inFlight, item)
	}
	sort.Slice(inFlight, func(i, j int) bool {
		return inFlight[i].EnqueuedAt.Before(inFlight[j].EnqueuedAt)
	})

	return Snapshot{
		Pending:   copyItems(q.pending),
		InFlight:  copyItems(inFlight),
		Completed: copyItems(q.completed),
		Failed:    copyItems(q.failed),
	}
}

func copyItems(items []*Item) []Item {
	out := make([]Item, len(items))
	for i, item := range items {
		out[i] = *item
	}
	return out
}
