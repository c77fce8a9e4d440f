package session

import (
	"encoding/json"
	"fmt"
)

// Intent types clients may submit. Unknown types are tolerated
// (dropped with a log) so rolling upgrades don't break older servers.
const (
	IntentMove             = "move"
	IntentBuild            = "build"
	IntentChat             = "chat"
	IntentEmoji            = "emoji"
	IntentEmbargo          = "embargo"
	IntentAllianceRequest  = "alliance_request"
	IntentAllianceReply    = "alliance_reply"
	IntentAllianceBreak    = "alliance_break"
	IntentAllianceExtend   = "alliance_extend"
	IntentDonate           = "donate"
	IntentAttack           = "attack"
	IntentCancel           = "cancel"
	IntentTarget           = "target"
	IntentKickPlayer       = "kick_player"
	IntentUpdateConfig     = "update_config"
	IntentTogglePause      = "toggle_pause"
	IntentMarkDisconnected = "mark_disconnected" // server-synthesized
	IntentSendWinner       = "send_winner"
)

var knownIntentTypes = map[string]bool{
	IntentMove:             true,
	IntentBuild:            true,
	IntentChat:             true,
	IntentEmoji:            true,
	IntentEmbargo:          true,
	IntentAllianceRequest:  true,
	IntentAllianceReply:    true,
	IntentAllianceBreak:    true,
	IntentAllianceExtend:   true,
	IntentDonate:           true,
	IntentAttack:           true,
	IntentCancel:           true,
	IntentTarget:           true,
	IntentKickPlayer:       true,
	IntentUpdateConfig:     true,
	IntentTogglePause:      true,
	IntentMarkDisconnected: true,
	IntentSendWinner:       true,
}

// intentEnvelope is the part of every intent the server inspects; the
// rest of the payload passes through untouched.
type intentEnvelope struct {
	Type     string `json:"type"`
	ClientID string `json:"clientID"`
	Paused   *bool  `json:"paused,omitempty"`
}

// parseIntent validates the envelope of a raw intent.
func parseIntent(raw json.RawMessage) (*intentEnvelope, error) {
	var env intentEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("malformed intent: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("intent missing type")
	}
	return &env, nil
}

// makeDisconnectIntent synthesizes the server-side intent that tells
// every client a player's connection state changed at the same turn.
func makeDisconnectIntent(clientID string, disconnected bool) json.RawMessage {
	data, _ := json.Marshal(map[string]interface{}{
		"type":         IntentMarkDisconnected,
		"clientID":     clientID,
		"disconnected": disconnected,
	})
	return data
}
