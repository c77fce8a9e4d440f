// Package accept runs the per-match accept window and the dodge-penalty
// ledger for players who fail to ready up.
package accept

import (
	"errors"
	"log"
	"sync"
	"time"

	"territory-platform/server/internal/models"
)

var (
	// ErrMatchNotFound means the match is no longer awaiting accepts
	ErrMatchNotFound = errors.New("match not found or already resolved")
	// ErrBadAcceptToken rejects an accept with the wrong token
	ErrBadAcceptToken = errors.New("accept token mismatch")
	// ErrTicketNotInMatch rejects an accept for a foreign ticket
	ErrTicketNotInMatch = errors.New("ticket does not belong to this match")
)

// AcceptWindow is how long every player has to accept a found match
const AcceptWindow = 12 * time.Second

// Dodge escalator: first incident 120s, then 300s, then 600s saturating.
var dodgeEscalator = []time.Duration{120 * time.Second, 300 * time.Second, 600 * time.Second}

const dodgeResetAfter = 24 * time.Hour

// AllAcceptedFunc fires when every ticket in a match has accepted
type AllAcceptedFunc func(match *models.RankedMatch, tickets []*models.QueueTicket)

// DeclinedFunc fires when a match dissolves; declined is nil on timeout
type DeclinedFunc func(match *models.RankedMatch, tickets []*models.QueueTicket, declined *models.QueueTicket)

type pendingMatch struct {
	match    *models.RankedMatch
	tickets  []*models.QueueTicket
	accepted map[string]bool // ticket id -> accepted
	deadline time.Time
}

type dodgeEntry struct {
	count       int
	lastDodgeAt time.Time
}

// Coordinator tracks matches in their accept window
type Coordinator struct {
	mu      sync.Mutex
	pending map[string]*pendingMatch
	dodges  map[string]*dodgeEntry // player id -> ledger entry

	onAllAccepted AllAcceptedFunc
	onDeclined    DeclinedFunc
	now           func() time.Time
}

// New creates an accept coordinator. Callbacks fire outside the lock.
func New(onAllAccepted AllAcceptedFunc, onDeclined DeclinedFunc) *Coordinator {
	return &Coordinator{
		pending:       make(map[string]*pendingMatch),
		dodges:        make(map[string]*dodgeEntry),
		onAllAccepted: onAllAccepted,
		onDeclined:    onDeclined,
		now:           time.Now,
	}
}

// Register places a freshly paired match into its accept window.
func (c *Coordinator) Register(match *models.RankedMatch, tickets []*models.QueueTicket) {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline := c.now().Add(AcceptWindow)
	match.State = models.MatchAwaitingAccept
	match.AcceptDeadline = &deadline
	match.TotalPlayers = len(tickets)
	match.AcceptedCount = 0

	c.pending[match.ID] = &pendingMatch{
		match:    match,
		tickets:  tickets,
		accepted: make(map[string]bool),
		deadline: deadline,
	}

	log.Printf("[ACCEPT] Match %s awaiting %d accepts until %s", match.ID, len(tickets), deadline.Format(time.RFC3339))
}

// Accept records one ticket's accept. When the last ticket accepts the
// match is removed and onAllAccepted fires.
func (c *Coordinator) Accept(matchID, ticketID, acceptToken string) error {
	c.mu.Lock()

	pm, ok := c.pending[matchID]
	if !ok {
		c.mu.Unlock()
		return ErrMatchNotFound
	}

	var ticket *models.QueueTicket
	for _, t := range pm.tickets {
		if t.ID == ticketID {
			ticket = t
			break
		}
	}
	if ticket == nil {
		c.mu.Unlock()
		return ErrTicketNotInMatch
	}
	if ticket.AcceptToken == nil || *ticket.AcceptToken != acceptToken {
		c.mu.Unlock()
		return ErrBadAcceptToken
	}

	if !pm.accepted[ticketID] {
		pm.accepted[ticketID] = true
		now := c.now()
		ticket.AcceptedAt = &now
		pm.match.AcceptedCount = len(pm.accepted)
	}

	if len(pm.accepted) < len(pm.tickets) {
		c.mu.Unlock()
		return nil
	}

	delete(c.pending, matchID)
	pm.match.State = models.MatchReady
	onAllAccepted := c.onAllAccepted
	c.mu.Unlock()

	log.Printf("[ACCEPT] Match %s fully accepted", matchID)
	if onAllAccepted != nil {
		onAllAccepted(pm.match, pm.tickets)
	}
	return nil
}

// Decline dissolves the match, penalizes the decliner, and fires
// onDeclined with the declining ticket.
func (c *Coordinator) Decline(matchID, ticketID string) error {
	c.mu.Lock()

	pm, ok := c.pending[matchID]
	if !ok {
		c.mu.Unlock()
		return ErrMatchNotFound
	}

	var declined *models.QueueTicket
	for _, t := range pm.tickets {
		if t.ID == ticketID {
			declined = t
			break
		}
	}
	if declined == nil {
		c.mu.Unlock()
		return ErrTicketNotInMatch
	}

	delete(c.pending, matchID)
	pm.match.State = models.MatchCancelled
	c.applyDodgePenaltyLocked(declined)
	onDeclined := c.onDeclined
	c.mu.Unlock()

	log.Printf("[ACCEPT] Match %s declined by ticket %s", matchID, ticketID)
	if onDeclined != nil {
		onDeclined(pm.match, pm.tickets, declined)
	}
	return nil
}

// SweepTimeouts dissolves matches whose deadline has passed, penalizing
// every player who had not accepted. Safe to run concurrently with
// normal flow; resolved matches are simply gone from pending.
func (c *Coordinator) SweepTimeouts() {
	c.mu.Lock()

	now := c.now()
	var expired []*pendingMatch
	for id, pm := range c.pending {
		if now.After(pm.deadline) {
			delete(c.pending, id)
			pm.match.State = models.MatchCancelled
			for _, t := range pm.tickets {
				if !pm.accepted[t.ID] {
					c.applyDodgePenaltyLocked(t)
				}
			}
			expired = append(expired, pm)
		}
	}
	onDeclined := c.onDeclined
	c.mu.Unlock()

	for _, pm := range expired {
		log.Printf("[ACCEPT] Match %s timed out with %d/%d accepts", pm.match.ID, len(pm.accepted), len(pm.tickets))
		if onDeclined != nil {
			onDeclined(pm.match, pm.tickets, nil)
		}
	}
}

// PenaltyUntil returns the end of the player's dodge cooldown, if any.
func (c *Coordinator) PenaltyUntil(playerID string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.dodges[playerID]
	if !ok {
		return time.Time{}, false
	}

	until := entry.lastDodgeAt.Add(penaltyDuration(entry.count))
	if c.now().After(until) {
		return time.Time{}, false
	}
	return until, true
}

// PruneDodgeLedger drops entries whose last incident is older than 24h.
func (c *Coordinator) PruneDodgeLedger() {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Add(-dodgeResetAfter)
	for playerID, entry := range c.dodges {
		if entry.lastDodgeAt.Before(cutoff) {
			delete(c.dodges, playerID)
		}
	}
}

func (c *Coordinator) applyDodgePenaltyLocked(ticket *models.QueueTicket) {
	now := c.now()

	entry, ok := c.dodges[ticket.PlayerID]
	if !ok || now.Sub(entry.lastDodgeAt) > dodgeResetAfter {
		entry = &dodgeEntry{}
		c.dodges[ticket.PlayerID] = entry
	}
	entry.count++
	entry.lastDodgeAt = now

	until := now.Add(penaltyDuration(entry.count))
	ticket.DodgePenaltyUntil = &until

	log.Printf("[ACCEPT] Dodge penalty for %s: incident %d, until %s",
		ticket.PlayerID, entry.count, until.Format(time.RFC3339))
}

func penaltyDuration(count int) time.Duration {
	if count <= 0 {
		return 0
	}
	if count > len(dodgeEscalator) {
		count = len(dodgeEscalator)
	}
	return dodgeEscalator[count-1]
}

// SetNowFunc overrides the clock for tests.
func (c *Coordinator) SetNowFunc(now func() time.Time) {
	c.now = now
}
