package room

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"couchsync/server/internal/protocol"
)

type fakeSender struct {
	mu     sync.Mutex
	sent   []protocol.Envelope
	fail   bool
	closed string
}

func (f *fakeSender) Send(_ context.Context, env protocol.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("send failed")
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeSender) Close(reason string) {
	f.mu.Lock()
	f.closed = reason
	f.mu.Unlock()
}

func (f *fakeSender) envelopes() []protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Envelope(nil), f.sent...)
}

func (f *fakeSender) ofType(typ string) []protocol.Envelope {
	var out []protocol.Envelope
	for _, e := range f.envelopes() {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(c *clock) *Registry {
	return NewRegistry(Options{Now: c.now})
}

func join(t *testing.T, reg *Registry, roomID, connID string) (*Room, *fakeSender, protocol.SnapshotPayload) {
	t.Helper()
	fs := &fakeSender{}
	rm, snap, failed, err := reg.CreateOrJoin(context.Background(), roomID, NewPeer(connID, fs), "")
	if err != nil {
		t.Fatalf("join %s into %s: %v", connID, roomID, err)
	}
	if len(failed) != 0 {
		t.Fatalf("join %s: unexpected failed deliveries %v", connID, failed)
	}
	return rm, fs, snap
}

func TestJoinRolesAndRoomFull(t *testing.T) {
	c := &clock{t: time.Now()}
	reg := newTestRegistry(c)

	_, hostFS, hostSnap := join(t, reg, "r1", "c1")
	if hostSnap.Role != RoleHost || hostSnap.PeerPresent {
		t.Fatalf("first joiner snapshot: %+v", hostSnap)
	}
	_, _, guestSnap := join(t, reg, "r1", "c2")
	if guestSnap.Role != RoleGuest || !guestSnap.PeerPresent {
		t.Fatalf("second joiner snapshot: %+v", guestSnap)
	}

	pushed := hostFS.ofType(protocol.TypePeerJoined)
	if len(pushed) != 1 {
		t.Fatalf("host got %d peer-joined pushes, want 1", len(pushed))
	}
	var ev protocol.PeerEventPayload
	if err := pushed[0].Decode(&ev); err != nil || ev.Role != RoleGuest {
		t.Fatalf("peer-joined payload: %+v err=%v", ev, err)
	}

	_, _, _, err := reg.CreateOrJoin(context.Background(), "r1", NewPeer("c3", &fakeSender{}), "")
	if !errors.Is(err, ErrRoomFull) {
		t.Fatalf("third join err = %v, want ErrRoomFull", err)
	}
}

func TestCommandEchoesToOtherPeer(t *testing.T) {
	c := &clock{t: time.Now()}
	reg := newTestRegistry(c)
	rm, hostFS, _ := join(t, reg, "r1", "c1")
	_, guestFS, _ := join(t, reg, "r1", "c2")

	st, failed, err := rm.Command(context.Background(), "c1", protocol.TypePlay, 12.5)
	if err != nil || len(failed) != 0 {
		t.Fatalf("command: err=%v failed=%v", err, failed)
	}
	if !st.IsPlaying || st.Position != 12.5 {
		t.Fatalf("state after play: %+v", st)
	}
	echoes := guestFS.ofType(protocol.TypePlay)
	if len(echoes) != 1 {
		t.Fatalf("guest got %d play echoes, want 1", len(echoes))
	}
	var cmd protocol.CommandPayload
	if err := echoes[0].Decode(&cmd); err != nil || cmd.Position != 12.5 {
		t.Fatalf("echo payload: %+v err=%v", cmd, err)
	}
	if got := hostFS.ofType(protocol.TypePlay); len(got) != 0 {
		t.Fatalf("sender received its own echo: %v", got)
	}
}

func TestCommandsApplyInArrivalOrder(t *testing.T) {
	c := &clock{t: time.Now()}
	reg := newTestRegistry(c)
	rm, _, _ := join(t, reg, "r1", "c1")

	ctx := context.Background()
	rm.Command(ctx, "c1", protocol.TypePlay, 5)
	rm.Command(ctx, "c1", protocol.TypeSeek, 90)
	st, _, _ := rm.Command(ctx, "c1", protocol.TypePause, 91)
	if st.IsPlaying || st.Position != 91 {
		t.Fatalf("final state should be the last command: %+v", st)
	}
}

func TestHeartbeatCorrectionToReporterOnly(t *testing.T) {
	c := &clock{t: time.Now()}
	reg := newTestRegistry(c)
	rm, hostFS, _ := join(t, reg, "r1", "c1")
	_, guestFS, _ := join(t, reg, "r1", "c2")
	ctx := context.Background()

	rm.Command(ctx, "c1", protocol.TypePlay, 10)
	c.advance(5 * time.Second)

	d, failed := rm.Heartbeat(ctx, "c2", protocol.HeartbeatPayload{Position: 15.2, IsPlaying: true})
	if d.ShouldCorrect || len(failed) != 0 {
		t.Fatalf("in-sync heartbeat corrected: %+v", d)
	}

	d, _ = rm.Heartbeat(ctx, "c2", protocol.HeartbeatPayload{Position: 20, IsPlaying: true})
	if !d.ShouldCorrect {
		t.Fatalf("drifted heartbeat not corrected: %+v", d)
	}
	corr := guestFS.ofType(protocol.TypeCorrection)
	if len(corr) != 1 {
		t.Fatalf("guest got %d corrections, want 1", len(corr))
	}
	var pay protocol.CorrectionPayload
	if err := corr[0].Decode(&pay); err != nil {
		t.Fatalf("correction payload: %v", err)
	}
	if pay.Position != 15 || !pay.IsPlaying {
		t.Fatalf("correction = %+v, want position 15 playing", pay)
	}
	if got := hostFS.ofType(protocol.TypeCorrection); len(got) != 0 {
		t.Fatalf("correction leaked to the other peer: %v", got)
	}
}

func TestRelaySignalVerbatim(t *testing.T) {
	c := &clock{t: time.Now()}
	reg := newTestRegistry(c)
	rm, _, _ := join(t, reg, "r1", "c1")
	ctx := context.Background()

	raw := json.RawMessage(`{"kind":"offer","sdp":"v=0 o=- 46117 2"}`)
	if _, err := rm.RelaySignal(ctx, "c1", raw); !errors.Is(err, ErrNoPeer) {
		t.Fatalf("solo relay err = %v, want ErrNoPeer", err)
	}

	_, guestFS, _ := join(t, reg, "r1", "c2")
	failed, err := rm.RelaySignal(ctx, "c1", raw)
	if err != nil || len(failed) != 0 {
		t.Fatalf("relay: err=%v failed=%v", err, failed)
	}
	got := guestFS.ofType(protocol.TypeSignal)
	if len(got) != 1 {
		t.Fatalf("guest got %d signals, want 1", len(got))
	}
	if string(got[0].Payload) != string(raw) {
		t.Fatalf("payload rewritten: %s", got[0].Payload)
	}
}

func TestChatSeqStrictlyIncreasing(t *testing.T) {
	c := &clock{t: time.Now()}
	reg := newTestRegistry(c)
	rm, _, _ := join(t, reg, "r1", "c1")
	_, guestFS, _ := join(t, reg, "r1", "c2")
	ctx := context.Background()

	for _, text := range []string{"hi", "ready?", "go"} {
		if _, failed, err := rm.RelayChat(ctx, "c1", text); err != nil || len(failed) != 0 {
			t.Fatalf("chat %q: err=%v failed=%v", text, err, failed)
		}
	}
	lines := guestFS.ofType(protocol.TypeChat)
	if len(lines) != 3 {
		t.Fatalf("guest got %d chat lines, want 3", len(lines))
	}
	for i, env := range lines {
		var p protocol.ChatPayload
		if err := env.Decode(&p); err != nil {
			t.Fatalf("chat payload: %v", err)
		}
		if p.Seq != uint64(i+1) {
			t.Fatalf("line %d has seq %d", i, p.Seq)
		}
	}
}

func TestSnapshotCarriesRecentChatAndPeerMedia(t *testing.T) {
	c := &clock{t: time.Now()}
	reg := newTestRegistry(c)
	rm, _, _ := join(t, reg, "r1", "c1")
	ctx := context.Background()

	if failed := rm.SetMedia(ctx, "c1", protocol.MediaPayload{CameraOn: true, MicOn: false}); len(failed) != 0 {
		t.Fatalf("solo media update failed: %v", failed)
	}
	_, _, snap := join(t, reg, "r1", "c2")
	if snap.PeerMedia == nil || !snap.PeerMedia.CameraOn || snap.PeerMedia.MicOn {
		t.Fatalf("snapshot peer media: %+v", snap.PeerMedia)
	}

	rm.RelayChat(ctx, "c1", "welcome back")
	reg.Leave(ctx, "c2")
	_, _, snap2 := join(t, reg, "r1", "c3")
	if len(snap2.RecentChat) != 1 || snap2.RecentChat[0].Text != "welcome back" || snap2.RecentChat[0].Seq != 1 {
		t.Fatalf("rejoin snapshot chat window: %+v", snap2.RecentChat)
	}
}

func TestVideoMismatchRejected(t *testing.T) {
	c := &clock{t: time.Now()}
	reg := newTestRegistry(c)
	_, _, _, err := reg.CreateOrJoin(context.Background(), "r1", NewPeer("c1", &fakeSender{}), "abc123")
	if err != nil {
		t.Fatalf("first join: %v", err)
	}
	_, _, _, err = reg.CreateOrJoin(context.Background(), "r1", NewPeer("c2", &fakeSender{}), "zzz999")
	if !errors.Is(err, ErrVideoMismatch) {
		t.Fatalf("mismatched join err = %v, want ErrVideoMismatch", err)
	}
	_, _, _, err = reg.CreateOrJoin(context.Background(), "r1", NewPeer("c2", &fakeSender{}), "abc123")
	if err != nil {
		t.Fatalf("matching join: %v", err)
	}
}

func TestMediaForwardedToPeer(t *testing.T) {
	c := &clock{t: time.Now()}
	reg := newTestRegistry(c)
	rm, _, _ := join(t, reg, "r1", "c1")
	_, guestFS, _ := join(t, reg, "r1", "c2")

	rm.SetMedia(context.Background(), "c1", protocol.MediaPayload{CameraOn: false, MicOn: true})
	got := guestFS.ofType(protocol.TypeMedia)
	if len(got) != 1 {
		t.Fatalf("guest got %d media updates, want 1", len(got))
	}
	var m protocol.MediaPayload
	if err := got[0].Decode(&m); err != nil || m.CameraOn || !m.MicOn {
		t.Fatalf("media payload: %+v err=%v", m, err)
	}
}
