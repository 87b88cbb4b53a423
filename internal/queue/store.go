// Package queue implements the report job scheduling engine: lanes, dispatch, retry and download chaining.
package queue

import (
	"cmp"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/raphaelgruber/reportq/internal/models"
)

// Clock returns the current time. Tests inject a fake one.
type Clock func() time.Time

// Gate decides per-job eligibility beyond scheduled_for during a batch scan.
// Admit is called for every job that is taken into the batch.
type Gate interface {
	Eligible(job *models.Job, now time.Time) bool
	Admit(job *models.Job, now time.Time)
}

// Backoff decides whether a job with attempts prior failures gets another try, and after what delay.
type Backoff func(attempts int) (time.Duration, bool)

// PendingFilter narrows Pending results. Zero fields match everything.
type PendingFilter struct {
	Operation models.Operation
	Lane      models.Lane
	SellerID  string
}

func (f PendingFilter) match(j *models.Job) bool {
	if f.Operation != "" && j.Operation != f.Operation {
		return false
	}
	if f.Lane != "" && j.Lane != f.Lane {
		return false
	}
	if f.SellerID != "" && j.SellerID != f.SellerID {
		return false
	}
	return true
}

// PreviewEntry is a waiting job with its position in its lane.
type PreviewEntry struct {
	Job      models.Job  `json:"job"`
	Lane     models.Lane `json:"lane"`
	Position int         `json:"position"`
}

// Drained holds the jobs removed by Drain.
type Drained struct {
	Priority []models.Job `json:"priority"`
	Standard []models.Job `json:"standard"`
}

// Counts is a consistent read of the store's sizes.
type Counts struct {
	Priority           int `json:"priority"`
	Standard           int `json:"standard"`
	InFlight           int `json:"in_flight"`
	Tracked            int `json:"tracked"`
	ScheduledDownloads int `json:"scheduled_downloads"`
	History            int `json:"history"`
}

// Store owns the two lanes, the in-flight set, the dedup index and a bounded terminal history.
// All methods are thread-safe and return copies.
type Store struct {
	mu sync.Mutex

	now                func() time.Time
	reservationTimeout time.Duration
	historyLimit       int

	priority []*models.Job
	standard []*models.Job
	inFlight map[string]*models.Job
	tracked  map[string]struct{}

	history      map[string]*models.Job
	historyOrder []string

	seq uint64
}

// NewStore creates an empty store. A nil clock means time.Now.
func NewStore(cfg Config, clock Clock) *Store {
	if clock == nil {
		clock = time.Now
	}
	return &Store{
		now:                clock,
		reservationTimeout: cfg.ReservationTimeout,
		historyLimit:       cfg.HistoryLimit,
		inFlight:           make(map[string]*models.Job),
		tracked:            make(map[string]struct{}),
		history:            make(map[string]*models.Job),
	}
}

// Enqueue validates the job, stamps its enqueue fields and appends it to the tail of lane.
// A caller-supplied scheduled_for is kept.
func (s *Store) Enqueue(job models.Job, lane models.Lane) (models.Job, error) {
	j := job.Clone()
	j.Lane = lane
	if err := j.Validate(); err != nil {
		return models.Job{}, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.knownLocked(j.ID) {
		return models.Job{}, fmt.Errorf("%w: %s", ErrDuplicateJob, j.ID)
	}

	j.Status = models.StatusEnqueued
	j.Attempts = 0
	j.EnqueuedAt = s.now()
	j.StartedAt = nil
	j.CompletedAt = nil
	j.LastAttemptAt = nil
	j.ReservedUntil = nil
	j.Error = ""
	j.Result = nil

	s.tracked[j.ID] = struct{}{}
	s.touchLocked(&j)
	s.pushLocked(&j)
	return j.Clone(), nil
}

// Remove drops a waiting job. In-flight jobs are not touched.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.takeWaitingLocked(id); !ok {
		return false
	}
	delete(s.tracked, id)
	return true
}

// Find looks the id up in the priority lane, the standard lane, the in-flight set and then history.
func (s *Store) Find(id string) (models.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j := s.findLocked(id); j != nil {
		return j.Clone(), true
	}
	return models.Job{}, false
}

// Reserve moves the named waiting jobs to the in-flight set. Either all move or none do.
func (s *Store) Reserve(ids []string) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: %s listed twice", ErrDuplicateJob, id)
		}
		seen[id] = struct{}{}
		if laneIndex(s.priority, id) < 0 && laneIndex(s.standard, id) < 0 {
			return nil, fmt.Errorf("%w: %s is not waiting", ErrJobNotFound, id)
		}
	}

	now := s.now()
	out := make([]models.Job, 0, len(ids))
	for _, id := range ids {
		j, _ := s.takeWaitingLocked(id)
		s.reserveLocked(j, now)
		out = append(out, j.Clone())
	}
	return out, nil
}

// NextBatch scans priority then standard lane once each and reserves up to size eligible jobs.
// Eligible jobs are taken in FIFO order; skipped jobs keep their relative order.
func (s *Store) NextBatch(size int, gate Gate) []models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	batch := make([]models.Job, 0, size)
	for _, lane := range []*[]*models.Job{&s.priority, &s.standard} {
		jobs := *lane
		kept := jobs[:0]
		for _, j := range jobs {
			if len(batch) < size && j.Due(now) && (gate == nil || gate.Eligible(j, now)) {
				if gate != nil {
					gate.Admit(j, now)
				}
				s.reserveLocked(j, now)
				batch = append(batch, j.Clone())
				continue
			}
			kept = append(kept, j)
		}
		clear(jobs[len(kept):])
		*lane = kept
	}
	return batch
}

// ReleaseSuccess completes an in-flight job and moves it to history.
func (s *Store) ReleaseSuccess(id string, result json.RawMessage) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.inFlight[id]
	if !ok {
		return models.Job{}, fmt.Errorf("%w: %s", ErrJobNotInFlight, id)
	}
	delete(s.inFlight, id)
	delete(s.tracked, id)

	now := s.now()
	j.Status = models.StatusCompleted
	j.CompletedAt = &now
	j.ReservedUntil = nil
	j.Error = ""
	if result != nil {
		j.Result = append(json.RawMessage(nil), result...)
	}
	s.touchLocked(j)
	s.rememberLocked(j)
	return j.Clone(), nil
}

// ReleaseFailure records a failed attempt. The job either goes back to the tail of its lane
// with a backoff or is failed permanently, as decided by backoff.
func (s *Store) ReleaseFailure(id, cause string, backoff Backoff) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.inFlight[id]
	if !ok {
		return models.Job{}, fmt.Errorf("%w: %s", ErrJobNotInFlight, id)
	}
	delete(s.inFlight, id)

	now := s.now()
	j.LastAttemptAt = &now
	j.Error = cause
	j.ReservedUntil = nil
	j.Status = models.StatusRetrying
	s.touchLocked(j)

	// The retry decision uses the count before this failure; a permanent failure keeps it.
	if delay, retry := backoff(j.Attempts); retry {
		j.Attempts++
		j.Status = models.StatusEnqueued
		j.ScheduledFor = models.TimePtr(now.Add(delay))
		s.pushLocked(j)
		return j.Clone(), nil
	}

	j.Status = models.StatusFailed
	j.CompletedAt = &now
	delete(s.tracked, id)
	s.rememberLocked(j)
	return j.Clone(), nil
}

// Bump moves a waiting standard-lane job to the tail of the priority lane.
func (s *Store) Bump(id string) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i := laneIndex(s.priority, id); i >= 0 {
		return s.priority[i].Clone(), nil
	}
	i := laneIndex(s.standard, id)
	if i < 0 {
		return models.Job{}, fmt.Errorf("%w: %s is not waiting", ErrJobNotFound, id)
	}
	j := s.standard[i]
	s.standard = removeAt(s.standard, i)
	j.Lane = models.LanePriority
	s.touchLocked(j)
	s.priority = append(s.priority, j)
	return j.Clone(), nil
}

// Pending lists waiting jobs, priority lane first.
func (s *Store) Pending(f PendingFilter) []models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []models.Job{}
	for _, lane := range [][]*models.Job{s.priority, s.standard} {
		for _, j := range lane {
			if f.match(j) {
				out = append(out, j.Clone())
			}
		}
	}
	return out
}

// InFlight lists reserved jobs ordered by start time.
func (s *Store) InFlight() []models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Job, 0, len(s.inFlight))
	for _, j := range s.inFlight {
		out = append(out, j.Clone())
	}
	sortByStart(out)
	return out
}

// InFlightCount returns the number of reserved jobs.
func (s *Store) InFlightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight)
}

// Preview returns up to n waiting jobs in dispatch scan order.
func (s *Store) Preview(n int) []PreviewEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []PreviewEntry{}
	for _, lane := range [][]*models.Job{s.priority, s.standard} {
		for i, j := range lane {
			if len(out) >= n {
				return out
			}
			out = append(out, PreviewEntry{Job: j.Clone(), Lane: j.Lane, Position: i})
		}
	}
	return out
}

// Drain empties both lanes atomically. In-flight jobs are left alone.
func (s *Store) Drain() Drained {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := Drained{Priority: cloneAll(s.priority), Standard: cloneAll(s.standard)}
	for _, lane := range [][]*models.Job{s.priority, s.standard} {
		for _, j := range lane {
			delete(s.tracked, j.ID)
		}
	}
	s.priority = nil
	s.standard = nil
	return d
}

// Expired returns the ids of in-flight jobs whose reservation deadline has passed.
func (s *Store) Expired() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var ids []string
	for id, j := range s.inFlight {
		if j.ReservedUntil != nil && now.After(*j.ReservedUntil) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Counts reads all sizes under one lock.
func (s *Store) Counts() Counts {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	c := Counts{
		Priority: len(s.priority),
		Standard: len(s.standard),
		InFlight: len(s.inFlight),
		Tracked:  len(s.tracked),
		History:  len(s.history),
	}
	for _, lane := range [][]*models.Job{s.priority, s.standard} {
		for _, j := range lane {
			if j.Operation == models.OperationDownload && !j.Due(now) {
				c.ScheduledDownloads++
			}
		}
	}
	return c
}

func (s *Store) knownLocked(id string) bool {
	if _, ok := s.tracked[id]; ok {
		return true
	}
	_, ok := s.history[id]
	return ok
}

func (s *Store) findLocked(id string) *models.Job {
	if i := laneIndex(s.priority, id); i >= 0 {
		return s.priority[i]
	}
	if i := laneIndex(s.standard, id); i >= 0 {
		return s.standard[i]
	}
	if j, ok := s.inFlight[id]; ok {
		return j
	}
	return s.history[id]
}

func (s *Store) pushLocked(j *models.Job) {
	if j.Lane == models.LanePriority {
		s.priority = append(s.priority, j)
	} else {
		s.standard = append(s.standard, j)
	}
}

func (s *Store) takeWaitingLocked(id string) (*models.Job, bool) {
	if i := laneIndex(s.priority, id); i >= 0 {
		j := s.priority[i]
		s.priority = removeAt(s.priority, i)
		return j, true
	}
	if i := laneIndex(s.standard, id); i >= 0 {
		j := s.standard[i]
		s.standard = removeAt(s.standard, i)
		return j, true
	}
	return nil, false
}

func (s *Store) reserveLocked(j *models.Job, now time.Time) {
	j.Status = models.StatusInProgress
	j.StartedAt = models.TimePtr(now)
	j.ReservedUntil = models.TimePtr(now.Add(s.reservationTimeout))
	s.touchLocked(j)
	s.inFlight[j.ID] = j
}

func (s *Store) touchLocked(j *models.Job) {
	s.seq++
	j.Version = s.seq
}

// rememberLocked keeps terminal jobs for status lookups, evicting the oldest beyond the limit.
func (s *Store) rememberLocked(j *models.Job) {
	if s.historyLimit <= 0 {
		return
	}
	s.history[j.ID] = j
	s.historyOrder = append(s.historyOrder, j.ID)
	for len(s.historyOrder) > s.historyLimit {
		delete(s.history, s.historyOrder[0])
		s.historyOrder = s.historyOrder[1:]
	}
}

func laneIndex(lane []*models.Job, id string) int {
	for i, j := range lane {
		if j.ID == id {
			return i
		}
	}
	return -1
}

func removeAt(lane []*models.Job, i int) []*models.Job {
	copy(lane[i:], lane[i+1:])
	lane[len(lane)-1] = nil
	return lane[:len(lane)-1]
}

func sortByStart(jobs []models.Job) {
	slices.SortFunc(jobs, func(a, b models.Job) int {
		var at, bt time.Time
		if a.StartedAt != nil {
			at = *a.StartedAt
		}
		if b.StartedAt != nil {
			bt = *b.StartedAt
		}
		if c := at.Compare(bt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

func cloneAll(jobs []*models.Job) []models.Job {
	out := make([]models.Job, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Clone())
	}
	return out
}
