package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"couchsync/server/internal/protocol"
	"couchsync/server/internal/room"
)

type nopSender struct{}

func (nopSender) Send(context.Context, protocol.Envelope) error { return nil }
func (nopSender) Close(string)                                  {}

func TestHealthz(t *testing.T) {
	srv := httptest.NewServer(NewRouter(NewHandlers(room.NewRegistry(room.Options{}))))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestGetRoomOccupancy(t *testing.T) {
	reg := room.NewRegistry(room.Options{})
	srv := httptest.NewServer(NewRouter(NewHandlers(reg)))
	defer srv.Close()

	// GET /rooms/unknown
	resp, err := http.Get(srv.URL + "/rooms/nope")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}

	rm, _, _, err := reg.CreateOrJoin(context.Background(), "r1", room.NewPeer("c1", nopSender{}), "")
	if err != nil {
		t.Fatalf("seed room: %v", err)
	}
	type occupancy struct {
		RoomID      string `json:"room_id"`
		PeerCount   int    `json:"peer_count"`
		PeerPresent bool   `json:"peer_present"`
		Playing     bool   `json:"playing"`
	}
	get := func() occupancy {
		t.Helper()
		resp, err := http.Get(srv.URL + "/rooms/r1")
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
		var body occupancy
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		return body
	}

	body := get()
	if body.RoomID != "r1" || body.PeerCount != 1 || !body.PeerPresent || body.Playing {
		t.Fatalf("occupancy body: %+v", body)
	}

	if _, _, err := rm.Command(context.Background(), "c1", protocol.TypePlay, 3); err != nil {
		t.Fatalf("play: %v", err)
	}
	if body = get(); !body.Playing {
		t.Fatalf("expected playing after play command, got %+v", body)
	}
}

func TestGetRoomMethodNotAllowed(t *testing.T) {
	srv := httptest.NewServer(NewRouter(NewHandlers(room.NewRegistry(room.Options{}))))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/rooms/r1", "application/json", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}
