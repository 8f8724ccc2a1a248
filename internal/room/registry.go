package room

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"couchsync/server/internal/protocol"
	"couchsync/server/internal/roomid"
)

// Options tune registry behaviour. Zero values fall back to the defaults
// below.
type Options struct {
	// GracePeriod is how long an empty room survives before removal, so a
	// page reload can rejoin the same room.
	GracePeriod time.Duration
	// IdleTTL removes rooms with no accepted events for this long, members
	// or not. Heartbeats count as activity.
	IdleTTL       time.Duration
	SweepInterval time.Duration
	// DriftThreshold is the tolerated gap in seconds between a reported
	// and a projected position before a correction goes out.
	DriftThreshold float64

	NewID func() string
	Now   func() time.Time
}

const (
	DefaultGracePeriod    = 30 * time.Second
	DefaultIdleTTL        = time.Hour
	DefaultSweepInterval  = time.Minute
	DefaultDriftThreshold = 1.5
)

func (o Options) withDefaults() Options {
	if o.GracePeriod == 0 {
		o.GracePeriod = DefaultGracePeriod
	}
	if o.IdleTTL == 0 {
		o.IdleTTL = DefaultIdleTTL
	}
	if o.SweepInterval == 0 {
		o.SweepInterval = DefaultSweepInterval
	}
	if o.DriftThreshold == 0 {
		o.DriftThreshold = DefaultDriftThreshold
	}
	if o.NewID == nil {
		o.NewID = roomid.New
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Registry is the single source of truth for room existence. Its mutex guards
// only the two lookup maps and is never held across peer deliveries or close
// handshakes; membership changes and the pushes they trigger run under the
// owning room's lock, so a slow client in one room cannot delay another room.
type Registry struct {
	opts Options

	mu     sync.Mutex
	rooms  map[string]*Room
	byConn map[string]*Room
}

func NewRegistry(opts Options) *Registry {
	return &Registry{
		opts:   opts.withDefaults(),
		rooms:  make(map[string]*Room),
		byConn: make(map[string]*Room),
	}
}

// Create mints a fresh room id and joins p as host, replying room-created.
// failed lists connection ids that rejected a delivery; the caller disposes
// of them.
func (r *Registry) Create(ctx context.Context, p *Peer, meta protocol.CreatePayload) (*Room, protocol.SnapshotPayload, []string, error) {
	for {
		r.mu.Lock()
		if _, ok := r.byConn[p.ID]; ok {
			r.mu.Unlock()
			return nil, protocol.SnapshotPayload{}, nil, ErrAlreadyJoined
		}
		id := r.opts.NewID()
		for _, taken := r.rooms[id]; taken; _, taken = r.rooms[id] {
			id = r.opts.NewID()
		}
		rm := newRoom(id, r.opts.DriftThreshold, r.opts.Now)
		rm.filename = meta.Filename
		r.rooms[id] = rm
		r.byConn[p.ID] = rm
		gaugeRooms.Inc()
		metricCreated.Inc()
		r.mu.Unlock()

		snap, _, selfFailed, err := rm.join(ctx, p, meta.VideoHash, protocol.TypeRoomCreated)
		if err != nil {
			r.unlink(p.ID)
			if errors.Is(err, errRoomGone) {
				continue
			}
			return nil, protocol.SnapshotPayload{}, nil, err
		}
		var failed []string
		if selfFailed {
			failed = append(failed, p.ID)
		}
		return rm, snap, failed, nil
	}
}

// CreateOrJoin joins p into roomID, creating the room with p as host when the
// id is unknown. A rejoin during the grace window lands in the old room and
// cancels its removal; a join that lost the race against the room's expiry
// retries against a fresh one.
func (r *Registry) CreateOrJoin(ctx context.Context, roomID string, p *Peer, videoHash string) (*Room, protocol.SnapshotPayload, []string, error) {
	for {
		r.mu.Lock()
		if _, ok := r.byConn[p.ID]; ok {
			r.mu.Unlock()
			return nil, protocol.SnapshotPayload{}, nil, ErrAlreadyJoined
		}
		rm, ok := r.rooms[roomID]
		if !ok {
			rm = newRoom(roomID, r.opts.DriftThreshold, r.opts.Now)
			r.rooms[roomID] = rm
			gaugeRooms.Inc()
			metricCreated.Inc()
		}
		r.byConn[p.ID] = rm
		r.mu.Unlock()

		snap, notifyFailed, selfFailed, err := rm.join(ctx, p, videoHash, protocol.TypeJoined)
		if err != nil {
			r.unlink(p.ID)
			if errors.Is(err, errRoomGone) {
				continue
			}
			return nil, protocol.SnapshotPayload{}, nil, err
		}
		var failed []string
		if notifyFailed != nil {
			failed = append(failed, notifyFailed.ID)
		}
		if selfFailed {
			failed = append(failed, p.ID)
		}
		return rm, snap, failed, nil
	}
}

func (r *Registry) unlink(connID string) {
	r.mu.Lock()
	delete(r.byConn, connID)
	r.mu.Unlock()
}

// Leave removes the connection from its room, if any. Safe to call for
// connections that never joined or already left. A survivor that turns out to
// be unreachable during the peer-left push is disposed of the same way.
func (r *Registry) Leave(ctx context.Context, connID string) {
	for {
		r.mu.Lock()
		rm, ok := r.byConn[connID]
		if !ok {
			r.mu.Unlock()
			return
		}
		delete(r.byConn, connID)
		r.mu.Unlock()

		removed, notifyFailed, empty := rm.remove(ctx, connID)
		if removed == nil {
			return
		}
		if notifyFailed != nil {
			notifyFailed.Sender.Close("peer unreachable")
			connID = notifyFailed.ID
			continue
		}
		if empty {
			r.startGrace(rm)
		}
		return
	}
}

// startGrace arms deferred removal for an empty room. Arming re-checks
// occupancy under the room lock, so a join that landed meanwhile keeps the
// room.
func (r *Registry) startGrace(rm *Room) {
	if r.opts.GracePeriod <= 0 {
		r.expire(rm, "grace", true)
		return
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.removed || len(rm.peers) > 0 {
		return
	}
	if rm.grace != nil {
		rm.grace.Stop()
	}
	rm.grace = time.AfterFunc(r.opts.GracePeriod, func() { r.expireEmpty(rm) })
}

// expireEmpty fires when a grace timer elapses. It is bound to the exact room
// the timer was armed for; a repopulated room stays, and a timer outliving
// its room cannot touch a successor under the same id.
func (r *Registry) expireEmpty(rm *Room) {
	r.expire(rm, "grace", true)
}

// expire tears a room down. Membership is stripped atomically and the lookup
// maps cleaned; the member channels are closed only after every lock is
// released.
func (r *Registry) expire(rm *Room, reason string, requireEmpty bool) {
	peers, ok := rm.markRemoved(requireEmpty)
	if !ok {
		return
	}

	r.mu.Lock()
	if r.rooms[rm.id] == rm {
		delete(r.rooms, rm.id)
	}
	for _, p := range peers {
		delete(r.byConn, p.ID)
	}
	r.mu.Unlock()

	gaugeRooms.Dec()
	metricExpired.WithLabelValues(reason).Inc()
	for _, p := range peers {
		gaugePeers.Dec()
		p.Sender.Close("room expired")
	}
	log.Printf("room %s expired (%s)", rm.id, reason)
}

// Run drives the idle sweep until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	t := time.NewTicker(r.opts.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.sweepIdle()
		}
	}
}

func (r *Registry) sweepIdle() {
	now := r.opts.Now()
	idleCutoff := now.Add(-r.opts.IdleTTL)
	emptyCutoff := now.Add(-r.opts.GracePeriod)

	r.mu.Lock()
	live := make([]*Room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		live = append(live, rm)
	}
	r.mu.Unlock()

	for _, rm := range live {
		n, last := rm.idleSince()
		switch {
		case last.Before(idleCutoff):
			log.Printf("room %s idle since %s, members=%d", rm.id, last.Format(time.RFC3339), n)
			r.expire(rm, "idle", false)
		case n == 0 && last.Before(emptyCutoff):
			// Backstop for an empty room whose grace timer never fired.
			r.expireEmpty(rm)
		}
	}
}

func (r *Registry) Lookup(roomID string) (*Room, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[roomID]
	return rm, ok
}

// Len reports how many rooms are live, including ones in their grace window.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}
