// Package room implements the session core: the registry of live rooms, the
// per-room membership and playback state, and the relay of opaque signaling
// and chat payloads between the two peers of a room.
package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"couchsync/server/internal/playback"
	"couchsync/server/internal/protocol"
)

var (
	ErrRoomFull      = errors.New("room already has two members")
	ErrNoPeer        = errors.New("no peer present in room")
	ErrVideoMismatch = errors.New("video file does not match the room")
	ErrAlreadyJoined = errors.New("connection already belongs to a room")

	// errRoomGone aborts a join that lost the race against the room's
	// expiry. It never leaves the package; the registry retries against a
	// fresh room.
	errRoomGone = errors.New("room expired mid-join")
)

const (
	RoleHost  = "host"
	RoleGuest = "guest"
)

// Chat lines kept on the room for replay in join snapshots.
const maxRecentChat = 50

// Sender delivers envelopes to one connected client. Implementations must be
// safe for concurrent use; Close must be idempotent.
type Sender interface {
	Send(ctx context.Context, env protocol.Envelope) error
	Close(reason string)
}

// Peer is one member of a room, keyed by its connection id. Role and media
// are guarded by the owning room's lock.
type Peer struct {
	ID     string
	Sender Sender

	role     string
	media    protocol.MediaPayload
	joinedAt time.Time
}

func NewPeer(connID string, s Sender) *Peer {
	return &Peer{ID: connID, Sender: s}
}

// Room holds one shared timeline and at most two peers. All mutation happens
// under mu; operations on different rooms never contend.
type Room struct {
	id        string
	createdAt time.Time

	mu         sync.Mutex
	peers      []*Peer
	pb         playback.State
	videoHash  string
	filename   string
	seq        uint64
	recent     []protocol.ChatPayload
	lastActive time.Time

	threshold float64
	now       func() time.Time

	// Pending deferred removal while the room sits empty. Owned by the
	// registry; stored here so a rejoin can cancel it.
	grace *time.Timer
	// Set once by markRemoved when the registry drops the room. A join that
	// finds it set retries against a fresh room.
	removed bool
}

func newRoom(id string, threshold float64, now func() time.Time) *Room {
	t := now()
	return &Room{
		id:         id,
		createdAt:  t,
		pb:         playback.New(t),
		lastActive: t,
		threshold:  threshold,
		now:        now,
	}
}

func (r *Room) ID() string { return r.id }

// Occupants returns the current member count.
func (r *Room) Occupants() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

func (r *Room) CreatedAt() time.Time { return r.createdAt }

// Playing reports whether the room timeline is currently running.
func (r *Room) Playing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pb.IsPlaying
}

func (r *Room) touchLocked() { r.lastActive = r.now() }

func (r *Room) otherLocked(connID string) *Peer {
	for _, p := range r.peers {
		if p.ID != connID {
			return p
		}
	}
	return nil
}

func (r *Room) memberLocked(connID string) *Peer {
	for _, p := range r.peers {
		if p.ID == connID {
			return p
		}
	}
	return nil
}

// join adds p as host or guest, notifies the existing peer, and replies to p
// with the room snapshot typed replyType. Sending the reply under the room
// lock keeps it ahead of any relay the other peer fires right after the
// peer-joined push. notifyFailed is the existing peer when that push bounced;
// selfFailed reports an undeliverable snapshot. The caller disposes of both.
func (r *Room) join(ctx context.Context, p *Peer, videoHash, replyType string) (snap protocol.SnapshotPayload, notifyFailed *Peer, selfFailed bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.removed {
		return protocol.SnapshotPayload{}, nil, false, errRoomGone
	}
	if len(r.peers) >= 2 {
		return protocol.SnapshotPayload{}, nil, false, ErrRoomFull
	}
	if r.videoHash != "" && videoHash != "" && videoHash != r.videoHash {
		return protocol.SnapshotPayload{}, nil, false, ErrVideoMismatch
	}
	if r.videoHash == "" {
		r.videoHash = videoHash
	}

	if len(r.peers) == 0 {
		p.role = RoleHost
	} else {
		p.role = RoleGuest
	}
	p.joinedAt = r.now()
	r.peers = append(r.peers, p)
	r.touchLocked()
	if r.grace != nil {
		r.grace.Stop()
		r.grace = nil
	}
	gaugePeers.Inc()
	metricJoins.WithLabelValues(p.role).Inc()

	other := r.otherLocked(p.ID)
	if other != nil {
		env := protocol.Make(protocol.TypePeerJoined, r.id, protocol.PeerEventPayload{Role: p.role}, r.now())
		if err := other.Sender.Send(ctx, env); err != nil {
			notifyFailed = other
		}
	}
	snap = r.snapshotLocked(p)
	reply := protocol.Make(replyType, r.id, snap, r.now())
	if err := p.Sender.Send(ctx, reply); err != nil {
		selfFailed = true
	}
	return snap, notifyFailed, selfFailed, nil
}

// remove drops the peer and pushes peer-left to the survivor. notifyFailed is
// the survivor when that push could not be delivered.
func (r *Room) remove(ctx context.Context, connID string) (removed, notifyFailed *Peer, empty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, p := range r.peers {
		if p.ID == connID {
			removed = p
			r.peers = append(r.peers[:i], r.peers[i+1:]...)
			break
		}
	}
	if removed == nil {
		return nil, nil, len(r.peers) == 0
	}
	gaugePeers.Dec()
	r.touchLocked()
	if len(r.peers) > 0 {
		survivor := r.peers[0]
		env := protocol.Make(protocol.TypePeerLeft, r.id, protocol.PeerEventPayload{Role: removed.role}, r.now())
		if err := survivor.Sender.Send(ctx, env); err != nil {
			notifyFailed = survivor
		}
	}
	return removed, notifyFailed, len(r.peers) == 0
}

func (r *Room) snapshotLocked(forPeer *Peer) protocol.SnapshotPayload {
	snap := protocol.SnapshotPayload{
		RoomID:    r.id,
		Role:      forPeer.role,
		Playback:  r.playbackViewLocked(),
		Filename:  r.filename,
		VideoHash: r.videoHash,
	}
	if other := r.otherLocked(forPeer.ID); other != nil {
		snap.PeerPresent = true
		m := other.media
		snap.PeerMedia = &m
	}
	if len(r.recent) > 0 {
		snap.RecentChat = append([]protocol.ChatPayload(nil), r.recent...)
	}
	return snap
}

func (r *Room) playbackViewLocked() protocol.PlaybackView {
	return protocol.PlaybackView{
		IsPlaying: r.pb.IsPlaying,
		Position:  r.pb.Position,
		UpdatedAt: r.pb.UpdatedAt.UnixMilli(),
	}
}

// Command applies a play, pause or seek transition and echoes it to the other
// peer with the authoritative position. Commands land in arrival order; the
// last one wins.
func (r *Room) Command(ctx context.Context, senderID, action string, position float64) (playback.State, []string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	switch action {
	case protocol.TypePlay:
		r.pb.Play(position, now)
	case protocol.TypePause:
		r.pb.Pause(position, now)
	case protocol.TypeSeek:
		r.pb.Seek(position, now)
	default:
		return r.pb, nil, fmt.Errorf("unknown playback action %q", action)
	}
	r.touchLocked()
	metricCommands.WithLabelValues(action).Inc()

	var failed []string
	if other := r.otherLocked(senderID); other != nil {
		env := protocol.Make(action, r.id, protocol.CommandPayload{Position: r.pb.Position}, now)
		if err := other.Sender.Send(ctx, env); err != nil {
			failed = append(failed, other.ID)
		}
	}
	return r.pb, failed, nil
}

// Heartbeat measures a position report against the projected timeline and
// answers the reporter with a correction when it is off the line. The report
// itself never becomes authoritative state.
func (r *Room) Heartbeat(ctx context.Context, senderID string, hb protocol.HeartbeatPayload) (playback.Decision, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.touchLocked()
	d := r.pb.Evaluate(hb.Position, hb.IsPlaying, r.threshold, now)
	if !d.ShouldCorrect {
		return d, nil
	}
	metricCorrections.Inc()
	self := r.memberLocked(senderID)
	if self == nil {
		return d, nil
	}
	env := protocol.Make(protocol.TypeCorrection, r.id, protocol.CorrectionPayload{Position: d.Position, IsPlaying: d.IsPlaying}, now)
	if err := self.Sender.Send(ctx, env); err != nil {
		return d, []string{senderID}
	}
	return d, nil
}

// RelaySignal forwards negotiation payload bytes to the other peer untouched.
// The payload is never parsed here.
func (r *Room) RelaySignal(ctx context.Context, senderID string, payload json.RawMessage) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	other := r.otherLocked(senderID)
	if other == nil {
		return nil, ErrNoPeer
	}
	r.touchLocked()
	metricRelays.WithLabelValues("signal").Inc()
	env := protocol.Envelope{
		Type:      protocol.TypeSignal,
		RoomID:    r.id,
		Payload:   payload,
		Timestamp: r.now().UnixMilli(),
	}
	if err := other.Sender.Send(ctx, env); err != nil {
		return []string{other.ID}, nil
	}
	return nil, nil
}

// RelayChat stamps the line with the next room sequence number and forwards
// it. Sequence numbers are strictly increasing with no gaps.
func (r *Room) RelayChat(ctx context.Context, senderID, text string) (uint64, []string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	other := r.otherLocked(senderID)
	if other == nil {
		return 0, nil, ErrNoPeer
	}
	r.touchLocked()
	r.seq++
	line := protocol.ChatPayload{Text: text, Seq: r.seq}
	r.recent = append(r.recent, line)
	if len(r.recent) > maxRecentChat {
		r.recent = append([]protocol.ChatPayload(nil), r.recent[len(r.recent)-maxRecentChat:]...)
	}
	metricRelays.WithLabelValues("chat").Inc()
	env := protocol.Make(protocol.TypeChat, r.id, line, r.now())
	if err := other.Sender.Send(ctx, env); err != nil {
		return r.seq, []string{other.ID}, nil
	}
	return r.seq, nil, nil
}

// SetMedia records the sender's camera/mic toggles and mirrors them to the
// other peer when one is present. With no peer the state still lands in the
// next join snapshot.
func (r *Room) SetMedia(ctx context.Context, senderID string, m protocol.MediaPayload) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	self := r.memberLocked(senderID)
	if self == nil {
		return nil
	}
	self.media = m
	r.touchLocked()
	other := r.otherLocked(senderID)
	if other == nil {
		return nil
	}
	metricRelays.WithLabelValues("media").Inc()
	env := protocol.Make(protocol.TypeMedia, r.id, m, r.now())
	if err := other.Sender.Send(ctx, env); err != nil {
		return []string{other.ID}
	}
	return nil
}

// idleSince reports membership and last activity for the expiry sweep.
func (r *Room) idleSince() (int, time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers), r.lastActive
}

// markRemoved flags the room as gone and strips its membership in one
// critical section. With requireEmpty the teardown aborts when a peer is
// present, so a rejoin that landed after the emptiness was observed keeps the
// room. ok is false when the room was already removed or the check failed.
// Closing the stripped peers' channels is left to the caller, outside the
// lock.
func (r *Room) markRemoved(requireEmpty bool) (peers []*Peer, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.removed || (requireEmpty && len(r.peers) > 0) {
		return nil, false
	}
	r.removed = true
	if r.grace != nil {
		r.grace.Stop()
		r.grace = nil
	}
	peers = r.peers
	r.peers = nil
	return peers, true
}
