package queue

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/notifyhub/web-push-notification/internal/domain"
)

type entryState int

const (
	stateReady entryState = iota
	stateLeased
	stateDead
)

type memoryRecord struct {
	entry       Entry
	state       entryState
	availableAt time.Time
	leaseUntil  time.Time
	reason      string
}

// MemoryQueue is an in-process Queue. It is not durable across restarts;
// it backs tests and single-node development setups.
type MemoryQueue struct {
	mu      sync.Mutex
	order   []string
	records map[string]*memoryRecord
	lease   time.Duration
	now     func() time.Time
}

func NewMemoryQueue(lease time.Duration, opts ...Option) *MemoryQueue {
	o := buildOptions(opts)
	return &MemoryQueue{
		records: make(map[string]*memoryRecord),
		lease:   lease,
		now:     o.now,
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, item domain.NotificationItem) error {
	if err := validateItem(item); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	id := uuid.New().String()
	q.records[id] = &memoryRecord{
		entry: Entry{
			ID:         id,
			Item:       item.WithIDs(item.IDs),
			EnqueuedAt: now,
		},
		state:       stateReady,
		availableAt: now,
	}
	q.order = append(q.order, id)
	return nil
}

func (q *MemoryQueue) Claim(ctx context.Context) (*Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	for _, id := range q.order {
		rec := q.records[id]
		claimable := (rec.state == stateReady && !rec.availableAt.After(now)) ||
			(rec.state == stateLeased && !rec.leaseUntil.After(now))
		if !claimable {
			continue
		}
		rec.state = stateLeased
		rec.leaseUntil = now.Add(q.lease)
		rec.entry.Attempts++
		rec.entry.LeaseToken = uuid.New().String()

		out := rec.entry
		out.Item = rec.entry.Item.WithIDs(rec.entry.Item.IDs)
		return &out, true, nil
	}
	return nil, false, nil
}

func (q *MemoryQueue) Ack(_ context.Context, e *Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, err := q.leased(e); err != nil {
		return err
	}
	delete(q.records, e.ID)
	q.order = slices.DeleteFunc(q.order, func(id string) bool { return id == e.ID })
	return nil
}

func (q *MemoryQueue) Release(_ context.Context, e *Entry, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, err := q.leased(e)
	if err != nil {
		return err
	}
	rec.state = stateReady
	rec.availableAt = q.now().Add(delay)
	rec.entry.LeaseToken = ""
	return nil
}

func (q *MemoryQueue) DeadLetter(_ context.Context, e *Entry, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, err := q.leased(e)
	if err != nil {
		return err
	}
	rec.state = stateDead
	rec.reason = reason
	rec.entry.LeaseToken = ""
	return nil
}

func (q *MemoryQueue) Stats(_ context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var s Stats
	for _, rec := range q.records {
		switch rec.state {
		case stateReady:
			s.Ready++
		case stateLeased:
			s.Leased++
		case stateDead:
			s.Dead++
		}
	}
	return s, nil
}

// leased returns the record if e still holds its lease. Caller holds q.mu.
func (q *MemoryQueue) leased(e *Entry) (*memoryRecord, error) {
	rec, ok := q.records[e.ID]
	if !ok || rec.state != stateLeased || rec.entry.LeaseToken != e.LeaseToken {
		return nil, ErrLeaseLost
	}
	return rec, nil
}

var _ Queue = (*MemoryQueue)(nil)
