package ws

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Room membership after any sequence of joins, leaves and disconnects
// matches a plain set model, and empty rooms are always dropped.
func TestRoomMembershipProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	rooms := []string{"blueprints.a.one", "blueprints.a.two", "blueprints.b.one"}

	properties.Property("hub membership follows join and leave", prop.ForAll(
		func(ops []int) bool {
			m := NewHubManager()
			clients := []*Client{NewClient("c0", nil, nil), NewClient("c1", nil, nil), NewClient("c2", nil, nil)}
			expected := make(map[string]map[int]bool)

			for _, op := range ops {
				c, r, kind := op%3, (op/3)%3, (op/9)%3
				room := rooms[r]
				switch kind {
				case 0:
					m.Join(room, clients[c])
					if expected[room] == nil {
						expected[room] = make(map[int]bool)
					}
					expected[room][c] = true
				case 1:
					m.Leave(room, clients[c])
					delete(expected[room], c)
				case 2:
					m.LeaveAll(clients[c])
					for _, members := range expected {
						delete(members, c)
					}
				}
				for room, members := range expected {
					if len(members) == 0 {
						delete(expected, room)
					}
				}
			}

			if m.RoomCount() != len(expected) {
				return false
			}
			for room, members := range expected {
				hub := m.Get(room)
				if hub == nil || hub.ClientCount() != len(members) {
					return false
				}
				for c := range members {
					if !hub.HasClient(clients[c]) {
						return false
					}
				}
			}
			for i, c := range clients {
				for _, room := range c.Rooms() {
					if !expected[room][i] {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 26)),
	))

	properties.TestingRun(t)
}

func TestHubBroadcastSkipsSender(t *testing.T) {
	hub := NewHub("room")
	sender := NewClient("sender", nil, nil)
	peer := NewClient("peer", nil, nil)
	hub.Register(sender)
	hub.Register(peer)

	hub.Broadcast([]byte("hello"), sender)

	select {
	case msg := <-peer.SendChan():
		if string(msg) != "hello" {
			t.Errorf("peer received %q", msg)
		}
	default:
		t.Error("peer should receive the broadcast")
	}
	select {
	case msg := <-sender.SendChan():
		t.Errorf("sender should not receive its own broadcast, got %q", msg)
	default:
	}
}

func TestClientSendAfterClose(t *testing.T) {
	c := NewClient("c", nil, nil)
	c.Close()
	c.Send([]byte("late"))
	if !c.IsClosed() {
		t.Error("client should report closed")
	}
	c.Close()
}
