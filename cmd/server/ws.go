package main

import (
	"encoding/json"
	"log"
	"net/http"
	"net/url"
	"time"

	"territory-platform/server/internal/models"
	"territory-platform/server/internal/session"
	"territory-platform/server/internal/shard"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const firstMessageTimeout = 10 * time.Second

// handleSessionSocket is the game stream endpoint. The first frame must
// be a join or rejoin naming the session; everything after that is
// handled by the session itself.
func handleSessionSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[WS] Upgrade failed: %v", err)
		return
	}

	conn.SetReadDeadline(time.Now().Add(firstMessageTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	var msg session.ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		closeWith(conn, session.CloseProtocol, "malformed join message")
		return
	}
	if msg.Type != "join" && msg.Type != "rejoin" {
		closeWith(conn, session.CloseProtocol, "first message must join a session")
		return
	}
	if msg.SessionID == "" || msg.ClientID == "" {
		closeWith(conn, session.CloseProtocol, "sessionId and clientId are required")
		return
	}

	if !shard.IsLocal(msg.SessionID, cfg.WorkerID, cfg.NumWorkers) {
		closeWith(conn, session.CloseProtocol, "wrong worker")
		return
	}

	srv, ok := manager.Lookup(msg.SessionID)
	if !ok {
		closeWith(conn, session.CloseProtocol, "unknown session")
		return
	}

	identity := ""
	if msg.Token != "" {
		identity, err = authService.ValidateToken(msg.Token)
		if err != nil {
			closeWith(conn, session.CloseProtocol, "unauthorized")
			return
		}
	}
	persistentID := identity
	if persistentID == "" {
		persistentID = msg.ClientID
	}

	if srv.Config().GameType == models.GameTypePublic && cfg.TurnstileSecret != "" {
		if !verifyTurnstile(msg.TurnstileToken, c.ClientIP()) {
			closeWith(conn, session.CloseProtocol, "turnstile verification failed")
			return
		}
	}

	lastTurn := 0
	if msg.LastTurn != nil {
		lastTurn = *msg.LastTurn
	}

	var client *session.Client
	if msg.Type == "join" {
		client = session.NewClient(msg.ClientID, persistentID, c.ClientIP(), msg.Username, conn)
		client.Cosmetics = msg.Cosmetics
		client.IdentityID = identity
		err = srv.JoinClient(client, lastTurn)
	} else {
		client, err = srv.RejoinClient(conn, msg.ClientID, persistentID, lastTurn)
	}
	if err != nil {
		closeWith(conn, session.CloseProtocol, err.Error())
		return
	}

	go client.WritePump()
	readLoop(srv, client, conn)
}

func readLoop(srv *session.Server, client *session.Client, conn *websocket.Conn) {
	defer srv.DetachClient(client.ClientID)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		code := handleFrame(srv, client, raw)
		if code != 0 {
			client.Close(code, "")
			return
		}
	}
}

// handleFrame shields the read loop from a panicking message handler;
// the stream closes with an internal error instead of the worker dying.
func handleFrame(srv *session.Server, client *session.Client, raw []byte) (code int) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[WS] Panic handling message from %s: %v", client.ClientID, r)
			code = session.CloseInternal
		}
	}()
	return srv.HandleMessage(client, raw)
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	conn.Close()
}

// verifyTurnstile checks a Cloudflare Turnstile token for public-game
// joins. Verification failures open (allow) only on transport errors so
// a Turnstile outage does not lock everyone out.
func verifyTurnstile(token, remoteIP string) bool {
	if token == "" {
		return false
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.PostForm("https://challenges.cloudflare.com/turnstile/v0/siteverify", url.Values{
		"secret":   {cfg.TurnstileSecret},
		"response": {token},
		"remoteip": {remoteIP},
	})
	if err != nil {
		log.Printf("[WS] Turnstile verification unreachable: %v", err)
		return true
	}
	defer resp.Body.Close()

	var result struct {
		Success bool `json:"success"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return true
	}
	return result.Success
}
