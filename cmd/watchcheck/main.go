// watchcheck is a manual smoke probe: it drives two clients through a full
// room session (create, join, play, chat, drifting heartbeat) against a
// running server and fails loudly on any missed reply.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"time"

	"couchsync/server/internal/protocol"

	ws "nhooyr.io/websocket"
)

type peer struct {
	name string
	c    *ws.Conn
}

func dialPeer(ctx context.Context, name, url string) *peer {
	c, _, err := ws.Dial(ctx, url, nil)
	if err != nil {
		log.Fatalf("dial %s (%s): %v", name, url, err)
	}
	return &peer{name: name, c: c}
}

func (p *peer) send(ctx context.Context, typ, roomID string, payload any) {
	env := protocol.Envelope{Type: typ, RoomID: roomID}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			log.Fatalf("%s: marshal %s payload: %v", p.name, typ, err)
		}
		env.Payload = b
	}
	b, _ := json.Marshal(env)
	if err := p.c.Write(ctx, ws.MessageText, b); err != nil {
		log.Fatalf("%s: send %s: %v", p.name, typ, err)
	}
	fmt.Printf("[%s] -> %s\n", p.name, typ)
}

// await reads until an envelope of the wanted type arrives, printing
// everything seen on the way. An error envelope fails the probe.
func (p *peer) await(ctx context.Context, typ string) protocol.Envelope {
	for {
		_, data, err := p.c.Read(ctx)
		if err != nil {
			log.Fatalf("%s: waiting for %s: %v", p.name, typ, err)
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Fatalf("%s: bad frame %q: %v", p.name, data, err)
		}
		ts := time.Now().Format("15:04:05.000")
		fmt.Printf("[%s] <- [%s] %s %s\n", p.name, ts, env.Type, env.Payload)
		if env.Type == protocol.TypeError {
			var e protocol.ErrorPayload
			_ = env.Decode(&e)
			log.Fatalf("%s: server error %s: %s", p.name, e.Kind, e.Detail)
		}
		if env.Type == typ {
			return env
		}
	}
}

func main() {
	url := flag.String("url", "ws://localhost:8080/ws", "Server websocket URL")
	timeout := flag.Duration("timeout", 15*time.Second, "Overall probe timeout")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	fmt.Printf("=== watchcheck probe ===\n")
	fmt.Printf("Server: %s\n\n", *url)

	host := dialPeer(ctx, "host", *url)
	defer host.c.Close(ws.StatusNormalClosure, "probe done")

	fmt.Println("[1] Creating room...")
	host.send(ctx, protocol.TypeCreate, "", protocol.CreatePayload{Filename: "probe.mkv", VideoHash: "deadbeef"})
	created := host.await(ctx, protocol.TypeRoomCreated)
	var snap protocol.SnapshotPayload
	if err := created.Decode(&snap); err != nil {
		log.Fatalf("room-created payload: %v", err)
	}
	if snap.Role != "host" || snap.RoomID == "" {
		log.Fatalf("unexpected creator snapshot: %+v", snap)
	}
	fmt.Printf("    room id: %s\n", snap.RoomID)

	fmt.Println("[2] Joining as guest...")
	guest := dialPeer(ctx, "guest", *url)
	defer guest.c.Close(ws.StatusNormalClosure, "probe done")
	guest.send(ctx, protocol.TypeJoin, snap.RoomID, protocol.JoinPayload{VideoHash: "deadbeef"})
	joined := guest.await(ctx, protocol.TypeJoined)
	var gsnap protocol.SnapshotPayload
	if err := joined.Decode(&gsnap); err != nil {
		log.Fatalf("joined payload: %v", err)
	}
	if gsnap.Role != "guest" || !gsnap.PeerPresent {
		log.Fatalf("unexpected guest snapshot: %+v", gsnap)
	}
	host.await(ctx, protocol.TypePeerJoined)

	fmt.Println("[3] Host presses play at 5s...")
	host.send(ctx, protocol.TypePlay, snap.RoomID, protocol.CommandPayload{Position: 5})
	echo := guest.await(ctx, protocol.TypePlay)
	var cmd protocol.CommandPayload
	if err := echo.Decode(&cmd); err != nil || cmd.Position != 5 {
		log.Fatalf("play echo: %+v err=%v", cmd, err)
	}

	fmt.Println("[4] Guest sends chat...")
	guest.send(ctx, protocol.TypeChat, snap.RoomID, protocol.ChatPayload{Text: "can you hear me?"})
	line := host.await(ctx, protocol.TypeChat)
	var chat protocol.ChatPayload
	if err := line.Decode(&chat); err != nil || chat.Seq != 1 {
		log.Fatalf("chat relay: %+v err=%v", chat, err)
	}

	fmt.Println("[5] Guest reports a wildly drifted position...")
	guest.send(ctx, protocol.TypeHeartbeat, snap.RoomID, protocol.HeartbeatPayload{
		Position: 500, IsPlaying: true, ClientTS: time.Now().UnixMilli(),
	})
	corr := guest.await(ctx, protocol.TypeCorrection)
	var fix protocol.CorrectionPayload
	if err := corr.Decode(&fix); err != nil {
		log.Fatalf("correction payload: %v", err)
	}
	if !fix.IsPlaying || fix.Position > 30 {
		log.Fatalf("correction off the timeline: %+v", fix)
	}
	fmt.Printf("    corrected to %.2fs playing=%v\n", fix.Position, fix.IsPlaying)

	fmt.Println("\nPASS: all probe steps answered as expected")
}
