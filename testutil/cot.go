package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/c360/cotrelay/cot"
)

// Event types used across tests.
const (
	FriendlyGround = "a-f-G-U-C"
	PingType       = "t-x-c-t"
	ChatType       = "b-t-f"
)

func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// IdentityEvent is an ATAK self-position report announcing uid as callsign.
func IdentityEvent(uid, callsign string) *cot.Event {
	t := now()
	return &cot.Event{
		Version: cot.Version,
		UID:     uid,
		Type:    FriendlyGround,
		How:     "h-e",
		Time:    t,
		Start:   t,
		Stale:   t.Add(6 * time.Minute),
		Point:   cot.Point{Lat: 1.5, Lon: 2.5, HAE: 10, CE: 5, LE: cot.UnknownValue},
		Detail: &cot.Position{
			Callsign: callsign,
			Marker:   FriendlyGround,
			Group:    &cot.Group{Name: "Cyan", Role: "Team Member"},
			Device:   cot.Device{Platform: "ATAK-CIV", OS: "29", Version: "4.10.0"},
		},
	}
}

// PingEvent is a keepalive with no detail.
func PingEvent(uid string) *cot.Event {
	t := now()
	return &cot.Event{
		Version: cot.Version,
		UID:     uid,
		Type:    PingType,
		How:     "h-g-i-g-o",
		Time:    t,
		Start:   t,
		Stale:   t.Add(20 * time.Second),
		Point:   cot.UnknownPoint(),
	}
}

// ChatEvent is a GeoChat message from src. An empty dst addresses
// All Chat Rooms.
func ChatEvent(src, srcCallsign, dst, text string) *cot.Event {
	t := now()
	room := cot.AllChatRooms
	if dst != "" {
		room = dst
	}
	msgID := "msg-" + src + "-" + t.Format("150405.000")
	return &cot.Event{
		Version: cot.Version,
		UID:     "GeoChat." + src + "." + room + "." + msgID,
		Type:    ChatType,
		How:     "h-g-i-g-o",
		Time:    t,
		Start:   t,
		Stale:   t.Add(24 * time.Hour),
		Point:   cot.UnknownPoint(),
		Detail: &cot.Chat{
			ID:            room,
			SrcUID:        src,
			SrcCallsign:   srcCallsign,
			SrcMarker:     FriendlyGround,
			DstUID:        dst,
			Chatroom:      room,
			ChatParent:    "RootContactGroup",
			MessageID:     msgID,
			Message:       text,
			MessageTS:     t,
			RemarksSource: "BAO.F.ATAK." + src,
		},
	}
}

// MustEncode encodes ev or fails the test.
func MustEncode(t testing.TB, ev *cot.Event) []byte {
	t.Helper()
	data, err := cot.Encode(ev)
	require.NoError(t, err)
	return data
}
