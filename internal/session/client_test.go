package session

import (
	"testing"

	"territory-platform/server/internal/archive"
)

// expectClosed drains any buffered messages and fails unless the
// channel then reports closed. A blocked write pump would never see
// the closed state.
func expectClosed(t *testing.T, ch chan []byte) {
	t.Helper()
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		default:
			t.Fatal("send channel left open")
		}
	}
}

func TestCloseReleasesSendChannel(t *testing.T) {
	c := NewClient("a", "p-a", "10.0.0.1", "user", nil)
	c.Send(ServerMessage{Type: "pong"})

	c.Close(CloseNormal, "done")
	c.Close(CloseNormal, "done") // idempotent

	expectClosed(t, c.send)

	// Sends after close are dropped, not panics.
	c.SendRaw([]byte("late"))
	c.Send(ServerMessage{Type: "pong"})
}

func TestAttachReplacesSendChannel(t *testing.T) {
	c := NewClient("a", "p-a", "10.0.0.1", "user", nil)
	old := c.send
	c.Send(ServerMessage{Type: "pong"})

	c.Attach(nil)

	// The prior stream's channel is released so its pump exits.
	expectClosed(t, old)

	// The fresh channel carries messages again.
	c.Send(ServerMessage{Type: "pong"})
	select {
	case <-c.send:
	default:
		t.Fatal("reattached client dropped the message")
	}
}

func TestEndClosesClientStreams(t *testing.T) {
	s := NewServer("sess-22", "persist-a", publicConfig(), archive.NewMemorySink(), testOptions())
	a := addClient(t, s, "a", "10.0.0.1")
	b := addClient(t, s, "b", "10.0.0.2")
	s.Start()

	s.End()

	expectClosed(t, a.send)
	expectClosed(t, b.send)
}

func TestKickClosesClientStream(t *testing.T) {
	s := NewServer("sess-24", "persist-a", publicConfig(), archive.NewMemorySink(), testOptions())
	addClient(t, s, "a", "10.0.0.1")
	target := addClient(t, s, "b", "10.0.0.2")

	s.KickClient("b", "kicked by host")

	expectClosed(t, target.send)
}
