package gateway

import (
	"encoding/json"

	"github.com/neveroff/neveroff/internal/config"
)

// Gateway opcodes (v9).
const (
	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opPresenceUpdate = 3
	opResume         = 6
	opReconnect      = 7
	opInvalidSession = 9
	opHello          = 10
	opHeartbeatACK   = 11
)

const activityTypeCustom = 4

// Close codes after which the persisted session must not be resumed.
var sessionResetCodes = map[int]bool{
	4004: true,
	4010: true,
	4011: true,
	4012: true,
	4013: true,
	4014: true,
}

type inbound struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d"`
	S  *int64          `json:"s"`
	T  string          `json:"t"`
}

type outbound struct {
	Op int `json:"op"`
	D  any `json:"d"`
}

type helloData struct {
	HeartbeatInterval float64 `json:"heartbeat_interval"`
}

type readyData struct {
	SessionID string `json:"session_id"`
}

type statusEmoji struct {
	Name     string `json:"name"`
	ID       string `json:"id,omitempty"`
	Animated *bool  `json:"animated,omitempty"`
}

type activity struct {
	Type  int          `json:"type"`
	State string       `json:"state"`
	Name  string       `json:"name"`
	ID    string       `json:"id"`
	Emoji *statusEmoji `json:"emoji,omitempty"`
}

type presenceData struct {
	Since      int        `json:"since"`
	Activities []activity `json:"activities"`
	Status     string     `json:"status"`
	AFK        bool       `json:"afk"`
}

type identifyData struct {
	Token      string               `json:"token"`
	Properties config.IdentityProps `json:"properties"`
	Presence   struct {
		Status string `json:"status"`
		AFK    bool   `json:"afk"`
	} `json:"presence"`
	Compress bool `json:"compress"`
	Intents  int  `json:"intents"`
}

type resumeData struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

func heartbeatPayload(seq *int64) outbound {
	var d any
	if seq != nil {
		d = *seq
	}
	return outbound{Op: opHeartbeat, D: d}
}

func identifyPayload(token string, props config.IdentityProps, status string) outbound {
	d := identifyData{Token: token, Properties: props}
	d.Presence.Status = status
	return outbound{Op: opIdentify, D: d}
}

func resumePayload(token, sessionID string, seq int64) outbound {
	return outbound{Op: opResume, D: resumeData{Token: token, SessionID: sessionID, Seq: seq}}
}

func presencePayload(p config.Presence) outbound {
	act := activity{
		Type:  activityTypeCustom,
		State: p.CustomStatus,
		Name:  "Custom Status",
		ID:    "custom",
	}
	if p.EmojiName != "" {
		e := &statusEmoji{Name: p.EmojiName}
		if p.EmojiID != "" {
			e.ID = p.EmojiID
			animated := p.EmojiAnimated
			e.Animated = &animated
		}
		act.Emoji = e
	}
	return outbound{Op: opPresenceUpdate, D: presenceData{
		Activities: []activity{act},
		Status:     p.Status,
	}}
}
