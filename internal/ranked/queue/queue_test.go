package queue

import (
	"testing"
	"time"

	"territory-platform/server/internal/models"
)

func mmr(v float64) *float64 { return &v }

func TestJoinPairsCloseMMR(t *testing.T) {
	var matched [][2]string
	q := New(func(matchID string, a, b *models.QueueTicket) {
		matched = append(matched, [2]string{a.PlayerID, b.PlayerID})
	})

	q.Join(JoinRequest{PlayerID: "p1", Mode: "duel", Region: "eu", MMR: mmr(1500)})
	q.Join(JoinRequest{PlayerID: "p2", Mode: "duel", Region: "eu", MMR: mmr(1550)})

	if len(matched) != 1 {
		t.Fatalf("expected 1 match, got %d", len(matched))
	}
	if matched[0][0] != "p1" || matched[0][1] != "p2" {
		t.Errorf("unexpected pairing: %v", matched[0])
	}
	if q.QueueSize("duel", "eu") != 0 {
		t.Errorf("bucket should be empty after pairing")
	}
}

func TestWindowBlocksDistantMMR(t *testing.T) {
	var matches int
	q := New(func(matchID string, a, b *models.QueueTicket) { matches++ })

	q.Join(JoinRequest{PlayerID: "p1", Mode: "duel", Region: "eu", MMR: mmr(1500)})
	q.Join(JoinRequest{PlayerID: "p2", Mode: "duel", Region: "eu", MMR: mmr(1700)})

	if matches != 0 {
		t.Fatalf("200 MMR apart should not match inside the base window")
	}

	// Widen the window by aging the oldest ticket past three minutes
	base := time.Now()
	q.SetNowFunc(func() time.Time { return base.Add(185 * time.Second) })
	q.RecalculateMatches()

	if matches != 1 {
		t.Errorf("after 180s wait anyone should match, got %d matches", matches)
	}
}

func TestWindowWidensStepwise(t *testing.T) {
	cases := []struct {
		wait     time.Duration
		want     float64
		matchAny bool
	}{
		{10 * time.Second, 100, false},
		{29 * time.Second, 100, false},
		{30 * time.Second, 150, false},
		{45 * time.Second, 200, false},
		{95 * time.Second, 350, false},
		{150 * time.Second, 400, false},
		{181 * time.Second, 400, true},
	}

	for _, tc := range cases {
		got, any := searchWindow(tc.wait)
		if got != tc.want || any != tc.matchAny {
			t.Errorf("searchWindow(%v) = (%f, %v), want (%f, %v)", tc.wait, got, any, tc.want, tc.matchAny)
		}
	}
}

func TestNoSelfMatch(t *testing.T) {
	var matches int
	q := New(func(matchID string, a, b *models.QueueTicket) { matches++ })

	// Re-joining replaces the queued ticket instead of pairing with it
	q.Join(JoinRequest{PlayerID: "p1", Mode: "duel", Region: "eu", MMR: mmr(1500)})
	q.Join(JoinRequest{PlayerID: "p1", Mode: "duel", Region: "eu", MMR: mmr(1500)})

	if matches != 0 {
		t.Errorf("a player must never match with themselves")
	}
	if q.QueueSize("duel", "eu") != 1 {
		t.Errorf("expected 1 queued ticket, got %d", q.QueueSize("duel", "eu"))
	}
}

func TestOnePlayerOneActiveTicket(t *testing.T) {
	q := New(nil)

	first, _ := q.Join(JoinRequest{PlayerID: "p1", Mode: "duel", Region: "eu", MMR: mmr(1500)})
	second, _ := q.Join(JoinRequest{PlayerID: "p1", Mode: "ffa", Region: "eu", MMR: mmr(1500)})

	if first.ID == second.ID {
		t.Fatal("re-join should issue a fresh ticket")
	}
	if first.State != models.TicketCancelled {
		t.Errorf("prior queued ticket should be cancelled, got %s", first.State)
	}
	if _, ok := q.Ticket(first.ID); ok {
		t.Error("cancelled ticket should not remain active")
	}
}

func TestRegionsDoNotMix(t *testing.T) {
	var matches int
	q := New(func(matchID string, a, b *models.QueueTicket) { matches++ })

	q.Join(JoinRequest{PlayerID: "p1", Mode: "duel", Region: "eu", MMR: mmr(1500)})
	q.Join(JoinRequest{PlayerID: "p2", Mode: "duel", Region: "na", MMR: mmr(1500)})

	if matches != 0 {
		t.Errorf("tickets in different regions must not pair")
	}
}

func TestNilMMRMatchesAnyone(t *testing.T) {
	var matches int
	q := New(func(matchID string, a, b *models.QueueTicket) { matches++ })

	q.Join(JoinRequest{PlayerID: "p1", Mode: "duel", Region: "eu"})
	q.Join(JoinRequest{PlayerID: "p2", Mode: "duel", Region: "eu", MMR: mmr(2400)})

	if matches != 1 {
		t.Errorf("unrated ticket should match anyone, got %d matches", matches)
	}
}

func TestLeave(t *testing.T) {
	q := New(nil)

	ticket, _ := q.Join(JoinRequest{PlayerID: "p1", Mode: "duel", Region: "eu", MMR: mmr(1500)})

	if !q.Leave(ticket.ID) {
		t.Fatal("leaving a queued ticket should succeed")
	}
	if ticket.State != models.TicketCancelled {
		t.Errorf("ticket state = %s, want cancelled", ticket.State)
	}
	if q.Leave(ticket.ID) {
		t.Error("leave is not idempotent-true; second call should return false")
	}
}

func TestRequeueRefreshesJoinTime(t *testing.T) {
	q := New(nil)

	base := time.Now()
	q.SetNowFunc(func() time.Time { return base })

	ticket, _ := q.Join(JoinRequest{PlayerID: "p1", Mode: "duel", Region: "eu", MMR: mmr(1500)})
	matchID := "m1"
	ticket.State = models.TicketMatched
	ticket.MatchID = &matchID
	q.removeFromBucketLocked(ticket)
	delete(q.byID, ticket.ID)
	delete(q.byPlayer, ticket.PlayerID)

	later := base.Add(time.Minute)
	q.SetNowFunc(func() time.Time { return later })
	q.RequeueTickets([]*models.QueueTicket{ticket})

	if ticket.State != models.TicketQueued {
		t.Errorf("requeued ticket state = %s, want queued", ticket.State)
	}
	if ticket.MatchID != nil {
		t.Error("requeue must wipe the match association")
	}
	if !ticket.JoinedAt.Equal(later) {
		t.Errorf("requeue must refresh joinedAt to now; declines cost priority")
	}
}

func TestCompleteMatch(t *testing.T) {
	var paired []*models.QueueTicket
	q := New(func(matchID string, a, b *models.QueueTicket) {
		paired = append(paired, a, b)
	})

	q.Join(JoinRequest{PlayerID: "p1", Mode: "duel", Region: "eu", MMR: mmr(1500)})
	q.Join(JoinRequest{PlayerID: "p2", Mode: "duel", Region: "eu", MMR: mmr(1510)})

	if len(paired) != 2 {
		t.Fatalf("expected a pairing, got %d tickets", len(paired))
	}

	completed := q.CompleteMatch(*paired[0].MatchID)
	if len(completed) != 2 {
		t.Fatalf("expected 2 completed tickets, got %d", len(completed))
	}
	for _, ticket := range completed {
		if ticket.State != models.TicketCompleted {
			t.Errorf("ticket %s state = %s, want completed", ticket.ID, ticket.State)
		}
	}
}

func TestRestorePreservesOrder(t *testing.T) {
	var matched [][2]string
	q := New(func(matchID string, a, b *models.QueueTicket) {
		matched = append(matched, [2]string{a.PlayerID, b.PlayerID})
	})

	base := time.Now()
	tickets := []*models.QueueTicket{
		{ID: "t2", PlayerID: "p2", Mode: "duel", Region: "eu", MMR: mmr(1500), State: models.TicketQueued, JoinedAt: base.Add(time.Second)},
		{ID: "t1", PlayerID: "p1", Mode: "duel", Region: "eu", MMR: mmr(1490), State: models.TicketQueued, JoinedAt: base},
		{ID: "t3", PlayerID: "p3", Mode: "duel", Region: "eu", MMR: mmr(3000), State: models.TicketCancelled, JoinedAt: base},
	}

	q.RestoreTickets(tickets)

	if q.QueueSize("duel", "eu") != 2 {
		t.Fatalf("expected 2 restored tickets, got %d", q.QueueSize("duel", "eu"))
	}

	q.RecalculateMatches()
	if len(matched) != 1 {
		t.Fatalf("expected restored tickets to pair, got %d", len(matched))
	}
	if matched[0][0] != "p1" {
		t.Errorf("oldest restored ticket should lead the pairing, got %s", matched[0][0])
	}
}
