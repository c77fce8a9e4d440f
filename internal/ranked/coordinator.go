package ranked

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"territory-platform/server/internal/auth"
	"territory-platform/server/internal/glicko"
	"territory-platform/server/internal/locks"
	"territory-platform/server/internal/models"
	"territory-platform/server/internal/ranked/accept"
	"territory-platform/server/internal/ranked/queue"
	"territory-platform/server/internal/session"
	"territory-platform/server/internal/shard"
	"territory-platform/server/internal/telemetry"
)

const (
	// rankedGameMap is the fixed map every ranked session plays on
	rankedGameMap     = "arena"
	rankedGameMapSize = "small"

	// rankedLobbySize is the total seat count; bots fill what humans
	// don't.
	rankedLobbySize = 4

	// defaultStartDelay is how long after full accept the session is
	// scheduled to start, giving clients time to connect.
	defaultStartDelay = 7 * time.Second

	staleTicketAge = time.Hour

	// Maintenance cadences. Accept timeouts are swept fast so a
	// dissolved match requeues quickly; widening recalculation runs at
	// half that rate.
	acceptSweepInterval = 5 * time.Second
	widenInterval       = 10 * time.Second
	orphanSweepInterval = time.Minute
	slowSweepInterval   = 5 * time.Minute
)

// DodgePenaltyError rejects a queue join while the player is serving a
// dodge cooldown.
type DodgePenaltyError struct {
	Until time.Time
}

func (e *DodgePenaltyError) Error() string {
	return fmt.Sprintf("dodge penalty active until %s", e.Until.Format(time.RFC3339))
}

// Event is one ranked pipeline notification pushed to a player's stream
type Event struct {
	Type           string              `json:"type"`
	Ticket         *models.QueueTicket `json:"ticket,omitempty"`
	Match          *models.RankedMatch `json:"match,omitempty"`
	SessionID      string              `json:"sessionId,omitempty"`
	WorkerPath     string              `json:"workerPath,omitempty"`
	AcceptToken    string              `json:"acceptToken,omitempty"`
	AcceptDeadline *time.Time          `json:"acceptDeadline,omitempty"`
	RatingAfter    *float64            `json:"ratingAfter,omitempty"`
	RatingDelta    *float64            `json:"ratingDelta,omitempty"`
}

// CoordinatorConfig carries the worker identity and timing knobs
type CoordinatorConfig struct {
	WorkerID   int
	NumWorkers int
	StartDelay time.Duration
}

// Coordinator runs the ranked pipeline on one worker: queue, accept
// window, session creation, and rating settlement.
type Coordinator struct {
	repo      *Repository
	queue     *queue.Queue
	accepts   *accept.Coordinator
	sessions  *session.Manager
	locks     *locks.Manager
	telemetry *telemetry.Store

	cfg CoordinatorConfig

	mu          sync.Mutex
	subs        map[string]map[chan []byte]bool // player id -> streams
	activeGames map[string]string               // session id -> match id
}

// NewCoordinator wires the ranked pipeline together.
func NewCoordinator(repo *Repository, sessions *session.Manager, lockMgr *locks.Manager, store *telemetry.Store, cfg CoordinatorConfig) *Coordinator {
	if cfg.StartDelay <= 0 {
		cfg.StartDelay = defaultStartDelay
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 1
	}

	c := &Coordinator{
		repo:        repo,
		sessions:    sessions,
		locks:       lockMgr,
		telemetry:   store,
		cfg:         cfg,
		subs:        make(map[string]map[chan []byte]bool),
		activeGames: make(map[string]string),
	}
	c.queue = queue.New(c.onMatch)
	c.accepts = accept.New(c.onAllAccepted, c.onDeclined)
	return c
}

// Restore rehydrates queued tickets from the database at startup.
func (c *Coordinator) Restore() {
	tickets, err := c.repo.LoadQueuedTickets()
	if err != nil {
		log.Printf("[RANKED] Failed to load queued tickets: %v", err)
		return
	}
	c.queue.RestoreTickets(tickets)
	c.queue.RecalculateMatches()
}

// JoinQueue enters a player into matchmaking. The player's current
// season rating seeds the MMR used by the search window.
func (c *Coordinator) JoinQueue(playerID, mode, region, displayName string) (*models.QueueTicket, error) {
	if until, penalized := c.accepts.PenaltyUntil(playerID); penalized {
		return nil, &DodgePenaltyError{Until: until}
	}

	var mmr *float64
	if season, err := c.repo.ActiveSeason(); err == nil {
		if rating, err := c.repo.GetOrCreateRating(playerID, season.ID); err == nil {
			mmr = &rating.Rating
			if displayName != "" && (rating.DisplayName == nil || *rating.DisplayName != displayName) {
				name := displayName
				rating.DisplayName = &name
				if err := c.repo.SaveRating(rating); err != nil {
					log.Printf("[RANKED] Failed to save display name for %s: %v", playerID, err)
				}
			}
		}
	}

	ticket, err := c.queue.Join(queue.JoinRequest{
		PlayerID:    playerID,
		Mode:        mode,
		Region:      region,
		MMR:         mmr,
		DisplayName: displayName,
	})
	if err != nil {
		return nil, err
	}

	if err := c.repo.SaveTicket(ticket); err != nil {
		log.Printf("[RANKED] Failed to persist ticket %s: %v", ticket.ID, err)
	}
	c.telemetry.Incr("queue_joins", 1)
	c.telemetry.Incr(queuedGauge(mode, region), 1)
	return ticket, nil
}

// LeaveQueue removes a queued ticket.
func (c *Coordinator) LeaveQueue(ticketID string) bool {
	ticket, found := c.queue.Ticket(ticketID)
	if !c.queue.Leave(ticketID) {
		return false
	}
	if err := c.repo.CancelTicket(ticketID); err != nil {
		log.Printf("[RANKED] Failed to cancel ticket %s: %v", ticketID, err)
	}
	c.telemetry.Incr("queue_leaves", 1)
	if found {
		c.telemetry.Incr(queuedGauge(ticket.Mode, ticket.Region), -1)
	}
	return true
}

func queuedGauge(mode, region string) string {
	return "queued:" + mode + ":" + region
}

// Ticket returns a live ticket by id.
func (c *Coordinator) Ticket(ticketID string) (*models.QueueTicket, bool) {
	return c.queue.Ticket(ticketID)
}

// TicketForPlayer returns the player's active ticket.
func (c *Coordinator) TicketForPlayer(playerID string) (*models.QueueTicket, bool) {
	return c.queue.TicketForPlayer(playerID)
}

// Accept records one player's accept for a found match.
func (c *Coordinator) Accept(matchID, ticketID, token string) error {
	return c.accepts.Accept(matchID, ticketID, token)
}

// Decline dissolves a found match and penalizes the decliner.
func (c *Coordinator) Decline(matchID, ticketID string) error {
	return c.accepts.Decline(matchID, ticketID)
}

// PenaltyUntil exposes a player's dodge cooldown.
func (c *Coordinator) PenaltyUntil(playerID string) (time.Time, bool) {
	return c.accepts.PenaltyUntil(playerID)
}

// Leaderboard returns the current season's top ratings.
func (c *Coordinator) Leaderboard(limit int) ([]models.PlayerRating, error) {
	season, err := c.repo.ActiveSeason()
	if err != nil {
		return nil, err
	}
	return c.repo.Leaderboard(season.ID, limit)
}

// PlayerRating returns the player's rating row for the current season.
func (c *Coordinator) PlayerRating(playerID string) (*models.PlayerRating, error) {
	season, err := c.repo.ActiveSeason()
	if err != nil {
		return nil, err
	}
	return c.repo.GetOrCreateRating(playerID, season.ID)
}

// PlayerHistory returns the player's recent rating changes.
func (c *Coordinator) PlayerHistory(playerID string, limit int) ([]models.RatingHistoryEntry, error) {
	season, err := c.repo.ActiveSeason()
	if err != nil {
		return nil, err
	}
	return c.repo.RatingHistory(playerID, season.ID, limit)
}

// Subscribe opens an event stream for a player's ranked notifications.
func (c *Coordinator) Subscribe(playerID string) chan []byte {
	ch := make(chan []byte, 32)
	c.mu.Lock()
	if c.subs[playerID] == nil {
		c.subs[playerID] = make(map[chan []byte]bool)
	}
	c.subs[playerID][ch] = true
	c.mu.Unlock()
	return ch
}

// Unsubscribe closes a player's event stream.
func (c *Coordinator) Unsubscribe(playerID string, ch chan []byte) {
	c.mu.Lock()
	if streams, ok := c.subs[playerID]; ok {
		if streams[ch] {
			delete(streams, ch)
			close(ch)
		}
		if len(streams) == 0 {
			delete(c.subs, playerID)
		}
	}
	c.mu.Unlock()
}

func (c *Coordinator) notify(playerID string, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	c.mu.Lock()
	for ch := range c.subs[playerID] {
		select {
		case ch <- data:
		default:
		}
	}
	c.mu.Unlock()
}

// onMatch fires when the queue pairs two tickets: mint accept tokens,
// open the accept window, and tell both players.
func (c *Coordinator) onMatch(matchID string, a, b *models.QueueTicket) {
	tickets := []*models.QueueTicket{a, b}
	for _, ticket := range tickets {
		token := auth.GenerateID()
		ticket.AcceptToken = &token
	}

	match := &models.RankedMatch{
		ID:     matchID,
		Mode:   a.Mode,
		Region: a.Region,
	}
	c.accepts.Register(match, tickets)

	if err := c.repo.SaveMatch(match, c.buildParticipants(match.ID, tickets)); err != nil {
		log.Printf("[RANKED] Failed to persist match %s: %v", matchID, err)
	}
	if err := c.repo.SaveTickets(tickets); err != nil {
		log.Printf("[RANKED] Failed to persist tickets for match %s: %v", matchID, err)
	}

	for _, ticket := range tickets {
		c.notify(ticket.PlayerID, Event{
			Type:           "match_found",
			Ticket:         ticket,
			Match:          match,
			AcceptToken:    *ticket.AcceptToken,
			AcceptDeadline: match.AcceptDeadline,
		})
	}
	c.telemetry.Incr("matches_found", 1)
	c.telemetry.Incr(queuedGauge(a.Mode, a.Region), -2)
}

// onAllAccepted fires when every player accepted: create the private
// session on this shard and point everyone at it.
func (c *Coordinator) onAllAccepted(match *models.RankedMatch, tickets []*models.QueueTicket) {
	playerIDs := make([]string, len(tickets))
	for i, ticket := range tickets {
		playerIDs[i] = ticket.PlayerID
	}

	maxPlayers := len(tickets)
	botCount := rankedLobbySize - maxPlayers
	if botCount < 0 {
		botCount = 0
	}
	config := models.SessionConfig{
		GameMap:            rankedGameMap,
		GameMapSize:        rankedGameMapSize,
		Mode:               match.Mode,
		GameType:           models.GameTypePrivate,
		BotCount:           botCount,
		MaxPlayers:         &maxPlayers,
		RandomSpawn:        true,
		AllowedIdentityIDs: playerIDs,
	}

	var srv *session.Server
	var sessionID string
	for attempt := 0; attempt < 5; attempt++ {
		sessionID = shard.GenerateLocalSessionID(c.cfg.WorkerID, c.cfg.NumWorkers)
		created, err := c.sessions.CreateSession(sessionID, tickets[0].PlayerID, config)
		if err == nil {
			srv = created
			break
		}
		if err != session.ErrSessionExists {
			log.Printf("[RANKED] Failed to create session for match %s: %v", match.ID, err)
			c.dissolve(match, tickets)
			return
		}
	}
	if srv == nil {
		log.Printf("[RANKED] Could not allocate a session id for match %s", match.ID)
		c.dissolve(match, tickets)
		return
	}
	srv.ScheduleStart(time.Now().Add(c.cfg.StartDelay))

	match.State = models.MatchReady
	match.SessionID = &sessionID
	if season, err := c.repo.ActiveSeason(); err == nil {
		match.SeasonID = &season.ID
	}

	for _, ticket := range tickets {
		ticket.State = models.TicketReady
		ticket.UpdatedAt = time.Now()
	}
	if err := c.repo.SaveMatch(match, c.buildParticipants(match.ID, tickets)); err != nil {
		log.Printf("[RANKED] Failed to persist ready match %s: %v", match.ID, err)
	}
	if err := c.repo.SaveTickets(tickets); err != nil {
		log.Printf("[RANKED] Failed to persist ready tickets for match %s: %v", match.ID, err)
	}

	c.mu.Lock()
	c.activeGames[sessionID] = match.ID
	c.mu.Unlock()

	for _, ticket := range tickets {
		c.notify(ticket.PlayerID, Event{
			Type:       "match_ready",
			Ticket:     ticket,
			Match:      match,
			SessionID:  sessionID,
			WorkerPath: shard.PathPrefix(c.cfg.WorkerID),
		})
	}
	c.telemetry.Incr("matches_ready", 1)
	log.Printf("[RANKED] Match %s ready in session %s", match.ID, sessionID)
}

// onDeclined fires when the accept window dissolves a match. Players
// who accepted go back to the front of the pipeline; the decliner (or
// every non-accepter on timeout) is dropped with their penalty.
func (c *Coordinator) onDeclined(match *models.RankedMatch, tickets []*models.QueueTicket, declined *models.QueueTicket) {
	var requeue, dropped []*models.QueueTicket
	for _, ticket := range tickets {
		switch {
		case declined != nil && ticket.ID == declined.ID:
			dropped = append(dropped, ticket)
		case declined == nil && ticket.AcceptedAt == nil:
			dropped = append(dropped, ticket)
		default:
			requeue = append(requeue, ticket)
		}
	}

	for _, ticket := range dropped {
		ticket.State = models.TicketCancelled
		ticket.UpdatedAt = time.Now()
	}
	c.queue.RequeueTickets(requeue)

	if err := c.repo.SaveMatch(match, nil); err != nil {
		log.Printf("[RANKED] Failed to persist cancelled match %s: %v", match.ID, err)
	}
	if err := c.repo.SaveTickets(tickets); err != nil {
		log.Printf("[RANKED] Failed to persist dissolved tickets for match %s: %v", match.ID, err)
	}

	for _, ticket := range tickets {
		c.notify(ticket.PlayerID, Event{Type: "match_cancelled", Ticket: ticket, Match: match})
	}
	c.telemetry.Incr("matches_cancelled", 1)
	if len(requeue) > 0 {
		c.telemetry.Incr(queuedGauge(match.Mode, match.Region), int64(len(requeue)))
	}
}

// dissolve cancels a fully accepted match that could not get a session.
func (c *Coordinator) dissolve(match *models.RankedMatch, tickets []*models.QueueTicket) {
	match.State = models.MatchCancelled
	c.queue.RequeueTickets(tickets)
	if err := c.repo.SaveMatch(match, nil); err != nil {
		log.Printf("[RANKED] Failed to persist dissolved match %s: %v", match.ID, err)
	}
	if err := c.repo.SaveTickets(tickets); err != nil {
		log.Printf("[RANKED] Failed to persist requeued tickets for match %s: %v", match.ID, err)
	}
	for _, ticket := range tickets {
		c.notify(ticket.PlayerID, Event{Type: "match_cancelled", Ticket: ticket, Match: match})
	}
	c.telemetry.Incr(queuedGauge(match.Mode, match.Region), int64(len(tickets)))
}

func (c *Coordinator) buildParticipants(matchID string, tickets []*models.QueueTicket) []*models.MatchParticipant {
	participants := make([]*models.MatchParticipant, len(tickets))
	for i, ticket := range tickets {
		participants[i] = &models.MatchParticipant{
			MatchID:  matchID,
			PlayerID: ticket.PlayerID,
			TicketID: ticket.ID,
		}
	}
	return participants
}

// SessionFinished is the manager's finished-session hook: when a ranked
// session ends, settle its ratings.
func (c *Coordinator) SessionFinished(sessionID string, srv *session.Server, record *models.GameRecord) {
	c.mu.Lock()
	matchID, ok := c.activeGames[sessionID]
	delete(c.activeGames, sessionID)
	c.mu.Unlock()

	if !ok {
		return
	}
	c.settleMatch(matchID, srv, record)
}

// settleMatch commits the Glicko-2 rating update for a finished ranked
// match. A distributed lock plus the rating-after marker make the
// commit idempotent across workers and retries.
func (c *Coordinator) settleMatch(matchID string, srv *session.Server, record *models.GameRecord) {
	ctx := context.Background()

	lock, err := c.locks.Acquire(ctx, "ranked:settle:"+matchID, locks.DefaultLockTTL)
	if err == locks.ErrLockAlreadyHeld {
		return
	}
	if err != nil {
		log.Printf("[RANKED] Failed to lock settlement for match %s: %v", matchID, err)
		return
	}
	defer lock.Release(ctx)

	if rated, err := c.repo.MatchAlreadyRated(matchID); err != nil {
		log.Printf("[RANKED] Failed to check rated state for match %s: %v", matchID, err)
		return
	} else if rated {
		return
	}

	match, err := c.repo.GetMatch(matchID)
	if err != nil {
		log.Printf("[RANKED] Failed to load match %s: %v", matchID, err)
		return
	}
	participants, err := c.repo.GetParticipants(matchID)
	if err != nil || len(participants) == 0 {
		log.Printf("[RANKED] Failed to load participants for match %s: %v", matchID, err)
		return
	}

	// No record means the session died before producing a result.
	if record == nil {
		match.State = models.MatchCancelled
		c.repo.SaveMatch(match, nil)
		c.completeTickets(matchID)
		return
	}

	winners, hasWinner := winningPlayers(record)

	seasonID := ""
	if match.SeasonID != nil {
		seasonID = *match.SeasonID
	} else if season, err := c.repo.ActiveSeason(); err == nil {
		seasonID = season.ID
	}

	ratings := make(map[string]*models.PlayerRating, len(participants))
	before := make(map[string]glicko.Rating, len(participants))
	for _, p := range participants {
		row, err := c.repo.GetOrCreateRating(p.PlayerID, seasonID)
		if err != nil {
			log.Printf("[RANKED] Failed to load rating for %s: %v", p.PlayerID, err)
			return
		}
		ratings[p.PlayerID] = row
		before[p.PlayerID] = glicko.Rating{Rating: row.Rating, RD: row.RatingDeviation, Sigma: row.Volatility}
	}

	scoreOf := func(playerID string) float64 {
		if !hasWinner {
			return 0.5
		}
		if winners[playerID] {
			return 1
		}
		return 0
	}

	for _, p := range participants {
		score := scoreOf(p.PlayerID)

		var results []glicko.Result
		for _, other := range participants {
			if other.PlayerID == p.PlayerID {
				continue
			}
			results = append(results, glicko.Result{Opponent: before[other.PlayerID], Score: score})
		}
		updated := glicko.Update(before[p.PlayerID], results)

		row := ratings[p.PlayerID]
		delta := updated.Rating - row.Rating
		row.Rating = updated.Rating
		row.RatingDeviation = updated.RD
		row.Volatility = updated.Sigma
		row.MatchesPlayed++
		now := time.Now()
		row.LastActiveAt = &now
		row.LastMatchID = &matchID
		switch {
		case score == 1:
			row.Wins++
			if row.Streak < 0 {
				row.Streak = 0
			}
			row.Streak++
		case score == 0:
			row.Losses++
			if row.Streak > 0 {
				row.Streak = 0
			}
			row.Streak--
		default:
			row.Streak = 0
		}
		if err := c.repo.SaveRating(row); err != nil {
			log.Printf("[RANKED] Failed to save rating for %s: %v", p.PlayerID, err)
			return
		}

		scoreCopy := score
		ratingAfter := updated.Rating
		p.Score = &scoreCopy
		p.RatingAfter = &ratingAfter
		p.RatingDelta = &delta

		if err := c.repo.AppendRatingHistory(&models.RatingHistoryEntry{
			PlayerID:    p.PlayerID,
			SeasonID:    seasonID,
			MatchID:     matchID,
			Delta:       delta,
			RatingAfter: updated.Rating,
			Reason:      "match",
		}); err != nil {
			log.Printf("[RANKED] Failed to append rating history for %s: %v", p.PlayerID, err)
		}

		c.notify(p.PlayerID, Event{
			Type:        "match_completed",
			Match:       match,
			RatingAfter: &ratingAfter,
			RatingDelta: &delta,
		})
	}

	match.State = models.MatchCompleted
	if err := c.repo.SaveMatch(match, participants); err != nil {
		log.Printf("[RANKED] Failed to persist completed match %s: %v", matchID, err)
		return
	}
	c.completeTickets(matchID)

	c.telemetry.Incr("matches_completed", 1)
	log.Printf("[RANKED] Settled match %s (%d participants)", matchID, len(participants))
}

// completeTickets retires the match's tickets: they leave the in-memory
// queue and their persisted rows are deleted.
func (c *Coordinator) completeTickets(matchID string) {
	completed := c.queue.CompleteMatch(matchID)
	for _, ticket := range completed {
		if err := c.repo.DeleteTicket(ticket.ID); err != nil {
			log.Printf("[RANKED] Failed to delete completed ticket %s: %v", ticket.ID, err)
		}
	}
}

// winningPlayers maps the adopted winner descriptor onto persistent
// player ids via the session roster. Ranked clients connect with their
// player id as persistent id. Every member of a winning team counts as
// a winner.
func winningPlayers(record *models.GameRecord) (map[string]bool, bool) {
	if record.Winner == nil {
		return nil, false
	}

	byClient := make(map[string]string, len(record.Players))
	for _, p := range record.Players {
		byClient[p.ClientID] = p.PersistentID
	}

	winners := make(map[string]bool)
	mark := func(clientID string) {
		if pid, ok := byClient[clientID]; ok {
			winners[pid] = true
		} else {
			winners[clientID] = true
		}
	}

	switch record.Winner.Kind {
	case "team":
		for _, member := range record.Winner.MemberIDs {
			mark(member)
		}
	default:
		mark(record.Winner.ID)
	}
	return winners, true
}

// RunMaintenance drives the periodic brooms until stop closes: the
// accept-timeout sweep every 5s, widening recalculation every 10s,
// orphaned-game settlement every minute, stale-ticket cancellation and
// dodge-ledger pruning on a slow cadence.
func (c *Coordinator) RunMaintenance(stop <-chan struct{}) {
	fast := time.NewTicker(acceptSweepInterval)
	widen := time.NewTicker(widenInterval)
	orphan := time.NewTicker(orphanSweepInterval)
	slow := time.NewTicker(slowSweepInterval)
	defer fast.Stop()
	defer widen.Stop()
	defer orphan.Stop()
	defer slow.Stop()

	for {
		select {
		case <-fast.C:
			c.accepts.SweepTimeouts()
		case <-widen.C:
			c.queue.RecalculateMatches()
		case <-orphan.C:
			c.sweepOrphanGames()
		case <-slow.C:
			c.sweepStaleTickets()
			c.accepts.PruneDodgeLedger()
		case <-stop:
			return
		}
	}
}

// sweepOrphanGames settles ranked matches whose session vanished from
// the manager without firing the finished hook. The nil record cancels
// the match unless another worker already rated it.
func (c *Coordinator) sweepOrphanGames() {
	c.mu.Lock()
	orphaned := make(map[string]string)
	for sessionID, matchID := range c.activeGames {
		if _, ok := c.sessions.Lookup(sessionID); !ok {
			orphaned[sessionID] = matchID
			delete(c.activeGames, sessionID)
		}
	}
	c.mu.Unlock()

	for sessionID, matchID := range orphaned {
		log.Printf("[RANKED] Session %s vanished; cancelling match %s", sessionID, matchID)
		c.settleMatch(matchID, nil, nil)
	}
}

// sweepStaleTickets force-cancels persisted tickets stuck mid-pipeline,
// usually left behind by a crashed worker.
func (c *Coordinator) sweepStaleTickets() {
	stale, err := c.repo.StaleActiveTickets(time.Now().Add(-staleTicketAge))
	if err != nil {
		log.Printf("[RANKED] Failed to load stale tickets: %v", err)
		return
	}
	for _, ticket := range stale {
		if err := c.repo.CancelTicket(ticket.ID); err != nil {
			log.Printf("[RANKED] Failed to cancel stale ticket %s: %v", ticket.ID, err)
			continue
		}
		log.Printf("[RANKED] Cancelled stale ticket %s (player %s)", ticket.ID, ticket.PlayerID)
	}
}
