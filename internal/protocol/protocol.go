// Package protocol defines the envelope and payload schemas shared by the
// websocket gateway and the watchcheck probe. Signal payloads are opaque by
// contract: the server never decodes them, it only forwards the raw bytes.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"
)

// Envelope is one message per websocket text frame, both directions.
// Timestamp is unix milliseconds, set by the server on outbound envelopes
// and ignored on inbound ones.
type Envelope struct {
	Type      string          `json:"type"`
	RoomID    string          `json:"room_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// Client-to-server types. Play, pause, seek, signal, chat and media are
// echoed server-to-client with authoritative fields filled in.
const (
	TypeCreate    = "create"
	TypeJoin      = "join"
	TypeLeave     = "leave"
	TypePlay      = "play"
	TypePause     = "pause"
	TypeSeek      = "seek"
	TypeHeartbeat = "heartbeat"
	TypeSignal    = "signal"
	TypeChat      = "chat"
	TypeMedia     = "media"
)

// Server-to-client only types.
const (
	TypeRoomCreated = "room-created"
	TypeJoined      = "joined"
	TypeCorrection  = "correction"
	TypePeerJoined  = "peer-joined"
	TypePeerLeft    = "peer-left"
	TypeError       = "error"
)

// Error kinds carried in an error envelope.
const (
	KindRoomFull       = "room_full"
	KindNoPeer         = "no_peer"
	KindInvalidCommand = "invalid_command"
	KindUnknownRoom    = "unknown_room"
	KindDeliveryFailed = "delivery_failed"
	KindVideoMismatch  = "video_mismatch"
)

const maxChatRunes = 4000

var ErrNoPayload = errors.New("missing payload")

type CreatePayload struct {
	VideoHash string `json:"video_hash,omitempty"`
	Filename  string `json:"filename,omitempty"`
}

type JoinPayload struct {
	RoomID    string `json:"room_id,omitempty"`
	VideoHash string `json:"video_hash,omitempty"`
}

// CommandPayload carries the position for play, pause and seek.
type CommandPayload struct {
	Position float64 `json:"position"`
}

func (p CommandPayload) Validate() error {
	return validPosition(p.Position)
}

// HeartbeatPayload is a client's periodic position report. It is advisory:
// the server measures drift against it but never writes it into room state.
type HeartbeatPayload struct {
	Position  float64 `json:"position"`
	IsPlaying bool    `json:"is_playing"`
	ClientTS  int64   `json:"client_ts,omitempty"`
}

func (p HeartbeatPayload) Validate() error {
	return validPosition(p.Position)
}

// CorrectionPayload nudges a drifting client back onto the authoritative
// timeline. Sent to the reporting peer only.
type CorrectionPayload struct {
	Position  float64 `json:"position"`
	IsPlaying bool    `json:"is_playing"`
}

type ChatPayload struct {
	Text string `json:"text"`
	Seq  uint64 `json:"seq,omitempty"`
}

func (p ChatPayload) Validate() error {
	if strings.TrimSpace(p.Text) == "" {
		return errors.New("chat text is empty")
	}
	if utf8.RuneCountInString(p.Text) > maxChatRunes {
		return fmt.Errorf("chat text exceeds %d runes", maxChatRunes)
	}
	return nil
}

// MediaPayload reports the sender's camera/mic toggles. Advisory only.
type MediaPayload struct {
	CameraOn bool `json:"camera_on"`
	MicOn    bool `json:"mic_on"`
}

// PlaybackView is the wire form of the authoritative playback state.
type PlaybackView struct {
	IsPlaying bool    `json:"is_playing"`
	Position  float64 `json:"position"`
	UpdatedAt int64   `json:"updated_at"`
}

// SnapshotPayload is the full room picture sent on join and room-created.
// Rejoins get the same snapshot, never a diff.
type SnapshotPayload struct {
	RoomID      string        `json:"room_id"`
	Role        string        `json:"role"`
	Playback    PlaybackView  `json:"playback"`
	PeerPresent bool          `json:"peer_present"`
	Filename    string        `json:"filename,omitempty"`
	VideoHash   string        `json:"video_hash,omitempty"`
	PeerMedia   *MediaPayload `json:"peer_media,omitempty"`
	RecentChat  []ChatPayload `json:"recent_chat,omitempty"`
}

type PeerEventPayload struct {
	Role string `json:"role"`
}

type ErrorPayload struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail,omitempty"`
}

// Make builds an outbound envelope, stamping the server time. Payload structs
// in this package cannot fail to marshal.
func Make(typ, roomID string, payload any, now time.Time) Envelope {
	env := Envelope{Type: typ, RoomID: roomID, Timestamp: now.UnixMilli()}
	if payload != nil {
		b, _ := json.Marshal(payload)
		env.Payload = b
	}
	return env
}

// Decode unmarshals the envelope payload into dst.
func (e Envelope) Decode(dst any) error {
	if len(e.Payload) == 0 {
		return ErrNoPayload
	}
	return json.Unmarshal(e.Payload, dst)
}

func validPosition(f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return errors.New("position is not finite")
	}
	if f < 0 {
		return fmt.Errorf("position %v is negative", f)
	}
	return nil
}
