// Package m contains matchers over sync responses, for tests that want
// to assert on a response's shape without hand-walking the DTO tree.
package m

import (
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/roomkit/roomkit/client"
)

// RespMatcher checks a property of an entire sync response.
type RespMatcher func(res *client.SyncResponse) error

// RoomMatcher checks a property of a single joined room.
type RoomMatcher func(room client.JoinedRoom) error

// MatchResponse runs all matchers and returns the first failure.
func MatchResponse(res *client.SyncResponse, matchers ...RespMatcher) error {
	for _, m := range matchers {
		if err := m(res); err != nil {
			return err
		}
	}
	return nil
}

// MatchJoinedRoom asserts the room is in the join section and passes
// the given matchers.
func MatchJoinedRoom(roomID string, matchers ...RoomMatcher) RespMatcher {
	return func(res *client.SyncResponse) error {
		room, ok := res.Rooms.Join[roomID]
		if !ok {
			return fmt.Errorf("MatchJoinedRoom: room %s not in join section", roomID)
		}
		for _, m := range matchers {
			if err := m(room); err != nil {
				return fmt.Errorf("MatchJoinedRoom[%s]: %w", roomID, err)
			}
		}
		return nil
	}
}

// MatchInvitedRoom asserts the room is in the invite section.
func MatchInvitedRoom(roomID string) RespMatcher {
	return func(res *client.SyncResponse) error {
		if _, ok := res.Rooms.Invite[roomID]; !ok {
			return fmt.Errorf("MatchInvitedRoom: room %s not in invite section", roomID)
		}
		return nil
	}
}

// MatchNoRoom asserts the room appears in no membership section.
func MatchNoRoom(roomID string) RespMatcher {
	return func(res *client.SyncResponse) error {
		if _, ok := res.Rooms.Join[roomID]; ok {
			return fmt.Errorf("MatchNoRoom: room %s present in join section", roomID)
		}
		if _, ok := res.Rooms.Invite[roomID]; ok {
			return fmt.Errorf("MatchNoRoom: room %s present in invite section", roomID)
		}
		if _, ok := res.Rooms.Leave[roomID]; ok {
			return fmt.Errorf("MatchNoRoom: room %s present in leave section", roomID)
		}
		return nil
	}
}

// MatchStateEvent asserts the room's state section carries an event of
// the given type and state key.
func MatchStateEvent(evType, stateKey string) RoomMatcher {
	return func(room client.JoinedRoom) error {
		for _, ev := range room.State.Events {
			parsed := gjson.ParseBytes(ev)
			if parsed.Get("type").Str == evType && parsed.Get("state_key").Str == stateKey {
				return nil
			}
		}
		return fmt.Errorf("MatchStateEvent: no %s event with state key %q", evType, stateKey)
	}
}

// MatchNoStateEventOfType asserts no state event of the given type is present.
func MatchNoStateEventOfType(evType string) RoomMatcher {
	return func(room client.JoinedRoom) error {
		for _, ev := range room.State.Events {
			if gjson.GetBytes(ev, "type").Str == evType {
				return fmt.Errorf("MatchNoStateEventOfType: found %s event", evType)
			}
		}
		return nil
	}
}

// MatchTimelineEvent asserts the room's timeline carries an event of
// the given type.
func MatchTimelineEvent(evType string) RoomMatcher {
	return func(room client.JoinedRoom) error {
		for _, ev := range room.Timeline.Events {
			if gjson.GetBytes(ev, "type").Str == evType {
				return nil
			}
		}
		return fmt.Errorf("MatchTimelineEvent: no %s event in timeline", evType)
	}
}
