// Package queue holds the in-memory matchmaking queue: per-(mode, region)
// buckets of tickets paired by a time-widening MMR search.
package queue

import (
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"territory-platform/server/internal/models"

	"github.com/google/uuid"
)

const (
	baseHalfWidth   = 100.0
	widenStep       = 50.0
	widenInterval   = 15 * time.Second
	widenStartAfter = 30 * time.Second
	maxHalfWidth    = 400.0
	matchAnyAfter   = 180 * time.Second
)

// JoinRequest carries what a player submits when queueing
type JoinRequest struct {
	PlayerID    string
	Mode        string
	Region      string
	MMR         *float64
	DisplayName string
}

// MatchFunc is invoked when two tickets have just been paired
type MatchFunc func(matchID string, a, b *models.QueueTicket)

// Queue manages all matchmaking buckets on one worker
type Queue struct {
	mu       sync.Mutex
	buckets  map[string][]*models.QueueTicket // bucket key -> tickets ordered by join time
	byID     map[string]*models.QueueTicket
	byPlayer map[string]*models.QueueTicket

	onMatch MatchFunc
	now     func() time.Time
}

// New creates an empty queue. onMatch fires outside the queue lock.
func New(onMatch MatchFunc) *Queue {
	return &Queue{
		buckets:  make(map[string][]*models.QueueTicket),
		byID:     make(map[string]*models.QueueTicket),
		byPlayer: make(map[string]*models.QueueTicket),
		onMatch:  onMatch,
		now:      time.Now,
	}
}

func bucketKey(mode, region string) string {
	return mode + ":" + region
}

// Join inserts a new ticket for the player. An existing non-queued
// ticket is returned as-is (the player is mid-pipeline); an existing
// queued ticket is cancelled and replaced. Dodge penalties are checked
// by the coordinator before this is called.
func (q *Queue) Join(req JoinRequest) (*models.QueueTicket, error) {
	q.mu.Lock()

	if existing, ok := q.byPlayer[req.PlayerID]; ok {
		if existing.State != models.TicketQueued {
			q.mu.Unlock()
			return existing, nil
		}
		q.removeFromBucketLocked(existing)
		existing.State = models.TicketCancelled
		delete(q.byID, existing.ID)
		delete(q.byPlayer, existing.PlayerID)
	}

	now := q.now()
	ticket := &models.QueueTicket{
		ID:        uuid.New().String(),
		PlayerID:  req.PlayerID,
		Mode:      req.Mode,
		Region:    req.Region,
		MMR:       req.MMR,
		State:     models.TicketQueued,
		JoinedAt:  now,
		UpdatedAt: now,
	}

	key := bucketKey(req.Mode, req.Region)
	q.buckets[key] = append(q.buckets[key], ticket)
	q.byID[ticket.ID] = ticket
	q.byPlayer[ticket.PlayerID] = ticket

	log.Printf("[QUEUE] Player %s joined %s queue (size %d)", req.PlayerID, key, len(q.buckets[key]))
	q.mu.Unlock()

	q.matchBucket(req.Mode, req.Region)

	return ticket, nil
}

// Leave removes a queued ticket. Returns false if the ticket is not
// queued (already matched, completed, or unknown).
func (q *Queue) Leave(ticketID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	ticket, ok := q.byID[ticketID]
	if !ok || ticket.State != models.TicketQueued {
		return false
	}

	q.removeFromBucketLocked(ticket)
	ticket.State = models.TicketCancelled
	ticket.UpdatedAt = q.now()
	delete(q.byID, ticket.ID)
	delete(q.byPlayer, ticket.PlayerID)

	log.Printf("[QUEUE] Ticket %s left the queue", ticketID)
	return true
}

// Ticket returns the live ticket by id.
func (q *Queue) Ticket(ticketID string) (*models.QueueTicket, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.byID[ticketID]
	return t, ok
}

// TicketForPlayer returns the player's active ticket.
func (q *Queue) TicketForPlayer(playerID string) (*models.QueueTicket, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.byPlayer[playerID]
	return t, ok
}

// RestoreTickets rehydrates queued tickets at startup, preserving bucket
// ordering by join time.
func (q *Queue) RestoreTickets(tickets []*models.QueueTicket) {
	q.mu.Lock()
	defer q.mu.Unlock()

	sort.Slice(tickets, func(i, j int) bool {
		return tickets[i].JoinedAt.Before(tickets[j].JoinedAt)
	})

	restored := 0
	for _, ticket := range tickets {
		if ticket.State != models.TicketQueued {
			continue
		}
		if _, taken := q.byPlayer[ticket.PlayerID]; taken {
			continue
		}
		key := bucketKey(ticket.Mode, ticket.Region)
		q.buckets[key] = append(q.buckets[key], ticket)
		q.byID[ticket.ID] = ticket
		q.byPlayer[ticket.PlayerID] = ticket
		restored++
	}

	if restored > 0 {
		log.Printf("[QUEUE] Restored %d queued tickets", restored)
	}
}

// RequeueTickets re-inserts tickets after a declined or timed-out accept
// phase. The match association is wiped and joinedAt refreshed to now:
// a decline costs queue priority.
func (q *Queue) RequeueTickets(tickets []*models.QueueTicket) {
	q.mu.Lock()
	for _, ticket := range tickets {
		ticket.MatchID = nil
		ticket.AcceptToken = nil
		ticket.AcceptedAt = nil
		ticket.State = models.TicketQueued
		ticket.JoinedAt = q.now()
		ticket.UpdatedAt = ticket.JoinedAt

		if _, taken := q.byPlayer[ticket.PlayerID]; taken {
			continue
		}
		key := bucketKey(ticket.Mode, ticket.Region)
		q.buckets[key] = append(q.buckets[key], ticket)
		q.byID[ticket.ID] = ticket
		q.byPlayer[ticket.PlayerID] = ticket
	}
	q.mu.Unlock()
}

// CompleteMatch removes every ticket bound to the match and returns them
// in completed state.
func (q *Queue) CompleteMatch(matchID string) []*models.QueueTicket {
	q.mu.Lock()
	defer q.mu.Unlock()

	var completed []*models.QueueTicket
	for id, ticket := range q.byID {
		if ticket.MatchID != nil && *ticket.MatchID == matchID {
			q.removeFromBucketLocked(ticket)
			ticket.State = models.TicketCompleted
			ticket.UpdatedAt = q.now()
			delete(q.byID, id)
			delete(q.byPlayer, ticket.PlayerID)
			completed = append(completed, ticket)
		}
	}
	return completed
}

// RecalculateMatches sweeps every bucket for formable matches. Run
// periodically so widening windows take effect without new joins.
func (q *Queue) RecalculateMatches() {
	q.mu.Lock()
	keys := make([]string, 0, len(q.buckets))
	for key, bucket := range q.buckets {
		if len(bucket) >= 2 {
			keys = append(keys, key)
		}
	}
	q.mu.Unlock()

	for _, key := range keys {
		for q.matchBucketKey(key) {
		}
	}
}

func (q *Queue) matchBucket(mode, region string) {
	for q.matchBucketKey(bucketKey(mode, region)) {
	}
}

// matchBucketKey forms at most one match in the bucket; returns true if
// a pair was selected.
func (q *Queue) matchBucketKey(key string) bool {
	q.mu.Lock()

	bucket := q.buckets[key]
	if len(bucket) < 2 {
		q.mu.Unlock()
		return false
	}

	sort.Slice(bucket, func(i, j int) bool {
		return bucket[i].JoinedAt.Before(bucket[j].JoinedAt)
	})
	q.buckets[key] = bucket

	oldest := bucket[0]
	candidate := q.selectCandidateLocked(oldest, bucket[1:])
	if candidate == nil {
		q.mu.Unlock()
		return false
	}

	matchID := uuid.New().String()
	now := q.now()
	for _, ticket := range []*models.QueueTicket{oldest, candidate} {
		q.removeFromBucketLocked(ticket)
		ticket.State = models.TicketMatched
		ticket.MatchID = &matchID
		ticket.UpdatedAt = now
	}

	onMatch := q.onMatch
	q.mu.Unlock()

	log.Printf("[QUEUE] Matched %s and %s in %s (match %s)", oldest.PlayerID, candidate.PlayerID, key, matchID)
	if onMatch != nil {
		onMatch(matchID, oldest, candidate)
	}
	return true
}

// selectCandidateLocked picks the MMR-closest ticket inside the oldest
// ticket's search window. A ticket without an MMR matches anyone.
func (q *Queue) selectCandidateLocked(oldest *models.QueueTicket, others []*models.QueueTicket) *models.QueueTicket {
	wait := q.now().Sub(oldest.JoinedAt)
	halfWidth, matchAny := searchWindow(wait)

	var best *models.QueueTicket
	bestDist := math.MaxFloat64

	for _, other := range others {
		if other.PlayerID == oldest.PlayerID {
			continue
		}

		if oldest.MMR == nil || other.MMR == nil {
			if best == nil {
				best = other
			}
			continue
		}

		dist := math.Abs(*other.MMR - *oldest.MMR)
		if (dist <= halfWidth || matchAny) && dist < bestDist {
			best = other
			bestDist = dist
		}
	}

	return best
}

// searchWindow returns the MMR half-width for a ticket's waiting time
// and whether MMR gating is lifted entirely.
func searchWindow(wait time.Duration) (float64, bool) {
	if wait >= matchAnyAfter {
		return maxHalfWidth, true
	}
	if wait < widenStartAfter {
		return baseHalfWidth, false
	}

	steps := 1 + int((wait-widenStartAfter)/widenInterval)
	halfWidth := baseHalfWidth + widenStep*float64(steps)
	if halfWidth > maxHalfWidth {
		halfWidth = maxHalfWidth
	}
	return halfWidth, false
}

// QueueSize returns the number of queued tickets in a bucket.
func (q *Queue) QueueSize(mode, region string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buckets[bucketKey(mode, region)])
}

func (q *Queue) removeFromBucketLocked(ticket *models.QueueTicket) {
	key := bucketKey(ticket.Mode, ticket.Region)
	bucket := q.buckets[key]
	for i, t := range bucket {
		if t.ID == ticket.ID {
			q.buckets[key] = append(bucket[:i], bucket[i+1:]...)
			return
		}
	}
}

// SetNowFunc overrides the clock for tests.
func (q *Queue) SetNowFunc(now func() time.Time) {
	q.now = now
}
