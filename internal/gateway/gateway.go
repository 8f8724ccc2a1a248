// Package gateway owns websocket channel lifecycle: accept, envelope decode,
// dispatch into the room core, and teardown. It keeps no business state of
// its own; a reconnect is a fresh join.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"couchsync/server/internal/config"
	"couchsync/server/internal/protocol"
	"couchsync/server/internal/room"

	"github.com/google/uuid"
	ws "nhooyr.io/websocket"
)

// peerConn adapts one websocket to the room.Sender contract. Writes carry
// their own deadline and survive cancellation of the triggering request.
type peerConn struct {
	id      string
	c       *ws.Conn
	timeout time.Duration

	closeOnce sync.Once
}

func (p *peerConn) Send(ctx context.Context, env protocol.Envelope) error {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()
	if err := p.c.Write(wctx, ws.MessageText, mustJSON(env)); err != nil {
		metricSendFailures.Inc()
		return err
	}
	return nil
}

func (p *peerConn) Close(reason string) {
	p.closeOnce.Do(func() { _ = p.c.Close(ws.StatusNormalClosure, reason) })
}

// connTable tracks live connections so shutdown can close them; the room
// registry only knows about joined peers. Entries are the same senders rooms
// deliver to.
type connTable struct {
	mu    sync.Mutex
	conns map[string]room.Sender
}

func newConnTable() *connTable { return &connTable{conns: make(map[string]room.Sender)} }

func (t *connTable) add(id string, s room.Sender) {
	t.mu.Lock()
	t.conns[id] = s
	t.mu.Unlock()
}

func (t *connTable) remove(id string) {
	t.mu.Lock()
	delete(t.conns, id)
	t.mu.Unlock()
}

func (t *connTable) get(id string) room.Sender {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns[id]
}

func (t *connTable) closeAll(reason string) {
	t.mu.Lock()
	conns := make([]room.Sender, 0, len(t.conns))
	for _, s := range t.conns {
		conns = append(conns, s)
	}
	t.mu.Unlock()
	for _, s := range conns {
		s.Close(reason)
	}
}

type Server struct {
	Cfg   config.Config
	Rooms *room.Registry

	conns *connTable
}

func NewServer(cfg config.Config, rooms *room.Registry) *Server {
	return &Server{Cfg: cfg, Rooms: rooms, conns: newConnTable()}
}

// CloseAll tears down every live connection, used on graceful shutdown.
func (s *Server) CloseAll(reason string) { s.conns.closeAll(reason) }

func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	c, err := ws.Accept(w, r, nil)
	if err != nil {
		log.Printf("ws accept: %v", err)
		return
	}
	c.SetReadLimit(s.Cfg.WS.ReadLimit)

	connID := uuid.NewString()
	pc := &peerConn{id: connID, c: c, timeout: s.Cfg.WS.WriteTimeout}
	s.conns.add(connID, pc)
	gaugeConns.Inc()
	metricConnsTotal.Inc()
	log.Printf("ws connect conn=%s remote=%s", connID, r.RemoteAddr)

	ctx := r.Context()
	defer func() {
		s.Rooms.Leave(ctx, connID)
		s.conns.remove(connID)
		pc.Close("done")
		gaugeConns.Dec()
		log.Printf("ws disconnect conn=%s", connID)
	}()

	s.readLoop(ctx, pc)
}

func (s *Server) readLoop(ctx context.Context, pc *peerConn) {
	// The room this connection joined, if any. Set once per join; cleared
	// only by an explicit leave.
	var cur *room.Room

	for {
		typ, data, err := pc.c.Read(ctx)
		if err != nil {
			return
		}
		if typ != ws.MessageText {
			continue
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			metricInvalidFrames.Inc()
			metricMessages.WithLabelValues("unknown").Inc()
			s.sendError(ctx, pc, "", protocol.KindInvalidCommand, "malformed envelope")
			continue
		}

		switch env.Type {
		case protocol.TypeCreate:
			metricMessages.WithLabelValues(env.Type).Inc()
			if cur != nil {
				s.sendError(ctx, pc, cur.ID(), protocol.KindInvalidCommand, "already in a room")
				continue
			}
			var meta protocol.CreatePayload
			if len(env.Payload) > 0 {
				if err := env.Decode(&meta); err != nil {
					s.sendError(ctx, pc, "", protocol.KindInvalidCommand, "bad create payload")
					continue
				}
			}
			rm, _, failed, err := s.Rooms.Create(ctx, room.NewPeer(pc.id, pc), meta)
			if err != nil {
				s.sendError(ctx, pc, "", s.errKind(err), err.Error())
				continue
			}
			cur = rm
			log.Printf("room %s created by conn=%s", rm.ID(), pc.id)
			s.reap(ctx, pc.id, pc, rm.ID(), failed)

		case protocol.TypeJoin:
			metricMessages.WithLabelValues(env.Type).Inc()
			if cur != nil {
				s.sendError(ctx, pc, cur.ID(), protocol.KindInvalidCommand, "already in a room")
				continue
			}
			var jp protocol.JoinPayload
			if len(env.Payload) > 0 {
				if err := env.Decode(&jp); err != nil {
					s.sendError(ctx, pc, "", protocol.KindInvalidCommand, "bad join payload")
					continue
				}
			}
			roomID := env.RoomID
			if roomID == "" {
				roomID = jp.RoomID
			}
			if roomID == "" {
				s.sendError(ctx, pc, "", protocol.KindInvalidCommand, "missing room_id")
				continue
			}
			rm, snap, failed, err := s.Rooms.CreateOrJoin(ctx, roomID, room.NewPeer(pc.id, pc), jp.VideoHash)
			if err != nil {
				s.sendError(ctx, pc, roomID, s.errKind(err), err.Error())
				continue
			}
			cur = rm
			log.Printf("room %s: conn=%s joined as %s", rm.ID(), pc.id, snap.Role)
			s.reap(ctx, pc.id, pc, rm.ID(), failed)

		case protocol.TypeLeave:
			metricMessages.WithLabelValues(env.Type).Inc()
			if cur == nil {
				s.sendError(ctx, pc, "", protocol.KindInvalidCommand, "not in a room")
				continue
			}
			log.Printf("room %s: conn=%s left", cur.ID(), pc.id)
			s.Rooms.Leave(ctx, pc.id)
			cur = nil

		case protocol.TypePlay, protocol.TypePause, protocol.TypeSeek:
			metricMessages.WithLabelValues(env.Type).Inc()
			if cur == nil {
				s.sendError(ctx, pc, env.RoomID, protocol.KindUnknownRoom, "join a room first")
				continue
			}
			var cmd protocol.CommandPayload
			if err := env.Decode(&cmd); err != nil {
				s.sendError(ctx, pc, cur.ID(), protocol.KindInvalidCommand, "bad command payload")
				continue
			}
			if err := cmd.Validate(); err != nil {
				s.sendError(ctx, pc, cur.ID(), protocol.KindInvalidCommand, err.Error())
				continue
			}
			_, failed, err := cur.Command(ctx, pc.id, env.Type, cmd.Position)
			if err != nil {
				s.sendError(ctx, pc, cur.ID(), protocol.KindInvalidCommand, err.Error())
				continue
			}
			s.reap(ctx, pc.id, pc, cur.ID(), failed)

		case protocol.TypeHeartbeat:
			metricMessages.WithLabelValues(env.Type).Inc()
			if cur == nil {
				s.sendError(ctx, pc, env.RoomID, protocol.KindUnknownRoom, "join a room first")
				continue
			}
			var hb protocol.HeartbeatPayload
			if err := env.Decode(&hb); err != nil {
				s.sendError(ctx, pc, cur.ID(), protocol.KindInvalidCommand, "bad heartbeat payload")
				continue
			}
			if err := hb.Validate(); err != nil {
				s.sendError(ctx, pc, cur.ID(), protocol.KindInvalidCommand, err.Error())
				continue
			}
			_, failed := cur.Heartbeat(ctx, pc.id, hb)
			s.reap(ctx, pc.id, pc, cur.ID(), failed)

		case protocol.TypeSignal:
			metricMessages.WithLabelValues(env.Type).Inc()
			if cur == nil {
				s.sendError(ctx, pc, env.RoomID, protocol.KindUnknownRoom, "join a room first")
				continue
			}
			if len(env.Payload) == 0 {
				s.sendError(ctx, pc, cur.ID(), protocol.KindInvalidCommand, "missing signal payload")
				continue
			}
			failed, err := cur.RelaySignal(ctx, pc.id, env.Payload)
			if err != nil {
				s.sendError(ctx, pc, cur.ID(), s.errKind(err), "no peer to signal yet")
				continue
			}
			s.reap(ctx, pc.id, pc, cur.ID(), failed)

		case protocol.TypeChat:
			metricMessages.WithLabelValues(env.Type).Inc()
			if cur == nil {
				s.sendError(ctx, pc, env.RoomID, protocol.KindUnknownRoom, "join a room first")
				continue
			}
			var chat protocol.ChatPayload
			if err := env.Decode(&chat); err != nil {
				s.sendError(ctx, pc, cur.ID(), protocol.KindInvalidCommand, "bad chat payload")
				continue
			}
			if err := chat.Validate(); err != nil {
				s.sendError(ctx, pc, cur.ID(), protocol.KindInvalidCommand, err.Error())
				continue
			}
			_, failed, err := cur.RelayChat(ctx, pc.id, chat.Text)
			if err != nil {
				s.sendError(ctx, pc, cur.ID(), s.errKind(err), "no peer to chat with yet")
				continue
			}
			s.reap(ctx, pc.id, pc, cur.ID(), failed)

		case protocol.TypeMedia:
			metricMessages.WithLabelValues(env.Type).Inc()
			if cur == nil {
				s.sendError(ctx, pc, env.RoomID, protocol.KindUnknownRoom, "join a room first")
				continue
			}
			var m protocol.MediaPayload
			if err := env.Decode(&m); err != nil {
				s.sendError(ctx, pc, cur.ID(), protocol.KindInvalidCommand, "bad media payload")
				continue
			}
			s.reap(ctx, pc.id, pc, cur.ID(), cur.SetMedia(ctx, pc.id, m))

		default:
			metricInvalidFrames.Inc()
			metricMessages.WithLabelValues("unknown").Inc()
			s.sendError(ctx, pc, env.RoomID, protocol.KindInvalidCommand, "unknown message type")
		}
	}
}

// reap disposes of peers whose channel rejected a delivery. The dead peer is
// removed from its room and closed; the current sender hears about it via a
// delivery_failed error ahead of the peer-left push.
func (s *Server) reap(ctx context.Context, senderID string, sender room.Sender, roomID string, failed []string) {
	for _, id := range failed {
		if id == senderID {
			sender.Close("delivery failed")
			continue
		}
		log.Printf("room %s: dropping unreachable conn=%s", roomID, id)
		s.sendError(ctx, sender, roomID, protocol.KindDeliveryFailed, "peer unreachable")
		s.Rooms.Leave(ctx, id)
		if dead := s.conns.get(id); dead != nil {
			dead.Close("delivery failed")
		}
	}
}

func (s *Server) sendError(ctx context.Context, sender room.Sender, roomID, kind, detail string) {
	room.CountError(kind)
	env := protocol.Make(protocol.TypeError, roomID, protocol.ErrorPayload{Kind: kind, Detail: detail}, time.Now())
	if err := sender.Send(ctx, env); err != nil {
		sender.Close("delivery failed")
	}
}

func (s *Server) errKind(err error) string {
	switch {
	case errors.Is(err, room.ErrRoomFull):
		return protocol.KindRoomFull
	case errors.Is(err, room.ErrNoPeer):
		return protocol.KindNoPeer
	case errors.Is(err, room.ErrVideoMismatch):
		return protocol.KindVideoMismatch
	default:
		return protocol.KindInvalidCommand
	}
}

func mustJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
