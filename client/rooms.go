package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// Event is a single room event as returned by state and sync endpoints.
// Content is opaque: the protocol allows arbitrary application-defined
// payloads, so nothing here binds it to a schema. Use gjson (or
// json.Unmarshal into your own type) to inspect it.
type Event struct {
	Type           string          `json:"type"`
	StateKey       *string         `json:"state_key,omitempty"`
	Sender         string          `json:"sender,omitempty"`
	EventID        string          `json:"event_id,omitempty"`
	OriginServerTS int64           `json:"origin_server_ts,omitempty"`
	Content        json.RawMessage `json:"content"`
}

// StateEvent seeds one piece of room state at creation time.
type StateEvent struct {
	Type     string `json:"type"`
	StateKey string `json:"state_key"`
	Content  any    `json:"content"`
}

// CreateRoomRequest configures room creation. Field names are the wire
// contract and must not change. InitialState is applied atomically by
// the server as part of creation, in order; the client never retries a
// partially created room.
type CreateRoomRequest struct {
	Visibility                string         `json:"visibility,omitempty"`
	Preset                    string         `json:"preset,omitempty"`
	Name                      string         `json:"name,omitempty"`
	Topic                     string         `json:"topic,omitempty"`
	RoomAliasName             string         `json:"room_alias_name,omitempty"`
	Invite                    []string       `json:"invite,omitempty"`
	CreationContent           map[string]any `json:"creation_content,omitempty"`
	InitialState              []StateEvent   `json:"initial_state,omitempty"`
	RoomVersion               string         `json:"room_version,omitempty"`
	PowerLevelContentOverride map[string]any `json:"power_level_content_override,omitempty"`
}

// CreateRoom creates a room and returns its server-assigned room ID.
func (s *Session) CreateRoom(ctx context.Context, req CreateRoomRequest) (string, error) {
	accessToken, err := s.token("createRoom")
	if err != nil {
		return "", err
	}
	ctx, stop := s.requestContext(ctx)
	defer stop()

	body, err := s.client.doRequest(ctx, "create_room", "POST", "/_matrix/client/v3/createRoom", accessToken, nil, req)
	if err != nil {
		return "", fmt.Errorf("createRoom: %w", err)
	}
	roomID := gjson.GetBytes(body, "room_id").Str
	if roomID == "" {
		return "", fmt.Errorf("createRoom: response missing room_id: %s", string(body))
	}
	s.client.logger.Info().Str("room_id", roomID).Str("name", req.Name).Msg("created room")
	return roomID, nil
}

func stateEventPath(roomID, eventType, stateKey string) string {
	return "/_matrix/client/v3/rooms/" + url.PathEscape(roomID) +
		"/state/" + url.PathEscape(eventType) +
		"/" + url.PathEscape(stateKey)
}

// RoomState returns the content stored for (eventType, stateKey) in the
// room, or a NotFound-classified error if it was never set. The state
// key may be "".
func (s *Session) RoomState(ctx context.Context, roomID, eventType, stateKey string) (json.RawMessage, error) {
	accessToken, err := s.token("getRoomState")
	if err != nil {
		return nil, err
	}
	ctx, stop := s.requestContext(ctx)
	defer stop()

	body, err := s.client.doRequest(ctx, "get_room_state", "GET", stateEventPath(roomID, eventType, stateKey), accessToken, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("getRoomState %s/%s in %s: %w", eventType, stateKey, roomID, err)
	}
	return json.RawMessage(body), nil
}

// SetRoomState overwrites the content for (eventType, stateKey) and
// returns the event ID of the write. Last write wins; there is no
// optimistic-concurrency check. Callers that need one must embed their
// own version counter in the content and verify it after reading.
func (s *Session) SetRoomState(ctx context.Context, roomID, eventType, stateKey string, content any) (string, error) {
	accessToken, err := s.token("setRoomState")
	if err != nil {
		return "", err
	}
	ctx, stop := s.requestContext(ctx)
	defer stop()

	body, err := s.client.doRequest(ctx, "set_room_state", "PUT", stateEventPath(roomID, eventType, stateKey), accessToken, nil, content)
	if err != nil {
		return "", fmt.Errorf("setRoomState %s/%s in %s: %w", eventType, stateKey, roomID, err)
	}
	return gjson.GetBytes(body, "event_id").Str, nil
}

// FullRoomState returns every current state event in the room.
func (s *Session) FullRoomState(ctx context.Context, roomID string) ([]Event, error) {
	accessToken, err := s.token("getFullRoomState")
	if err != nil {
		return nil, err
	}
	ctx, stop := s.requestContext(ctx)
	defer stop()

	body, err := s.client.doRequest(ctx, "get_full_room_state", "GET", "/_matrix/client/v3/rooms/"+url.PathEscape(roomID)+"/state", accessToken, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("getFullRoomState %s: %w", roomID, err)
	}
	var events []Event
	if err := json.Unmarshal(body, &events); err != nil {
		return nil, fmt.Errorf("getFullRoomState %s: decode failed: %w", roomID, err)
	}
	return events, nil
}

// SendEvent appends a timeline event of the given type to the room
// using the idempotent PUT form with a fresh transaction ID. Returns
// the event ID.
func (s *Session) SendEvent(ctx context.Context, roomID, eventType string, content any) (string, error) {
	accessToken, err := s.token("sendEvent")
	if err != nil {
		return "", err
	}
	ctx, stop := s.requestContext(ctx)
	defer stop()

	path := "/_matrix/client/v3/rooms/" + url.PathEscape(roomID) +
		"/send/" + url.PathEscape(eventType) +
		"/" + url.PathEscape("roomkit-"+uuid.NewString())
	body, err := s.client.doRequest(ctx, "send_event", "PUT", path, accessToken, nil, content)
	if err != nil {
		return "", fmt.Errorf("sendEvent %s to %s: %w", eventType, roomID, err)
	}
	return gjson.GetBytes(body, "event_id").Str, nil
}

// SendTextMessage sends a plain m.room.message with the given body.
func (s *Session) SendTextMessage(ctx context.Context, roomID, text string) (string, error) {
	return s.SendEvent(ctx, roomID, "m.room.message", map[string]any{
		"msgtype": "m.text",
		"body":    text,
	})
}
