package client_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/roomkit/roomkit/client"
	"github.com/roomkit/roomkit/testutils"
)

func TestCreateRoomWithInitialState(t *testing.T) {
	srv := testutils.NewServer(t)
	srv.AddUser("alice", "hunter2")
	session := loginSession(t, srv, "alice", "hunter2")
	ctx := context.Background()

	roomID, err := session.CreateRoom(ctx, client.CreateRoomRequest{
		Name:   "ops",
		Preset: "private_chat",
		InitialState: []client.StateEvent{
			{Type: "com.example.config", StateKey: "", Content: map[string]any{"retries": 3}},
			{Type: "com.example.config", StateKey: "db", Content: map[string]any{"dsn": "postgres://x"}},
		},
	})
	require.NoError(t, err)
	require.NotEmpty(t, roomID)

	// Initial state is present atomically with the room itself.
	content, err := session.RoomState(ctx, roomID, "com.example.config", "")
	require.NoError(t, err)
	assert.Equal(t, int64(3), gjson.GetBytes(content, "retries").Int())

	content, err = session.RoomState(ctx, roomID, "com.example.config", "db")
	require.NoError(t, err)
	assert.Equal(t, "postgres://x", gjson.GetBytes(content, "dsn").Str)
}

func TestSetRoomStateOverwrites(t *testing.T) {
	srv := testutils.NewServer(t)
	srv.AddUser("alice", "hunter2")
	session := loginSession(t, srv, "alice", "hunter2")
	ctx := context.Background()

	roomID, err := session.CreateRoom(ctx, client.CreateRoomRequest{})
	require.NoError(t, err)

	first, err := session.SetRoomState(ctx, roomID, "com.example.flag", "", map[string]any{"v": 1})
	require.NoError(t, err)
	second, err := session.SetRoomState(ctx, roomID, "com.example.flag", "", map[string]any{"v": 2})
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	// Last write wins: only v=2 is visible.
	content, err := session.RoomState(ctx, roomID, "com.example.flag", "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), gjson.GetBytes(content, "v").Int())
}

func TestRoomStateNotFound(t *testing.T) {
	srv := testutils.NewServer(t)
	srv.AddUser("alice", "hunter2")
	session := loginSession(t, srv, "alice", "hunter2")
	ctx := context.Background()

	roomID, err := session.CreateRoom(ctx, client.CreateRoomRequest{})
	require.NoError(t, err)

	_, err = session.RoomState(ctx, roomID, "com.example.missing", "")
	require.Error(t, err)
	assert.True(t, client.IsNotFound(err), "want not-found, got %v", err)

	_, err = session.RoomState(ctx, "!nonexistent:test", "m.room.create", "")
	require.Error(t, err)
	assert.True(t, client.IsNotFound(err), "want not-found, got %v", err)
}

func TestRoomStateRequiresMembership(t *testing.T) {
	srv := testutils.NewServer(t)
	srv.AddUser("alice", "hunter2")
	srv.AddUser("mallory", "pw")
	alice := loginSession(t, srv, "alice", "hunter2")
	mallory := loginSession(t, srv, "mallory", "pw")
	ctx := context.Background()

	roomID, err := alice.CreateRoom(ctx, client.CreateRoomRequest{})
	require.NoError(t, err)

	_, err = mallory.RoomState(ctx, roomID, "m.room.create", "")
	require.Error(t, err)
	assert.Equal(t, client.KindForbidden, client.Classify(err))
}

func TestFullRoomState(t *testing.T) {
	srv := testutils.NewServer(t)
	srv.AddUser("alice", "hunter2")
	session := loginSession(t, srv, "alice", "hunter2")
	ctx := context.Background()

	roomID, err := session.CreateRoom(ctx, client.CreateRoomRequest{
		Name: "archive",
	})
	require.NoError(t, err)

	events, err := session.FullRoomState(ctx, roomID)
	require.NoError(t, err)

	types := map[string]bool{}
	for _, ev := range events {
		require.NotNil(t, ev.StateKey, "state events carry a state key")
		types[ev.Type] = true
	}
	assert.True(t, types["m.room.create"])
	assert.True(t, types["m.room.member"])
	assert.True(t, types["m.room.name"])
}

func TestSendEvent(t *testing.T) {
	srv := testutils.NewServer(t)
	srv.AddUser("alice", "hunter2")
	session := loginSession(t, srv, "alice", "hunter2")
	ctx := context.Background()

	roomID, err := session.CreateRoom(ctx, client.CreateRoomRequest{})
	require.NoError(t, err)

	eventID, err := session.SendTextMessage(ctx, roomID, "hello")
	require.NoError(t, err)
	assert.NotEmpty(t, eventID)

	res, err := session.Sync(ctx, client.SyncOptions{})
	require.NoError(t, err)
	var found bool
	for _, raw := range res.Rooms.Join[roomID].Timeline.Events {
		var ev struct {
			Type    string          `json:"type"`
			Content json.RawMessage `json:"content"`
		}
		require.NoError(t, json.Unmarshal(raw, &ev))
		if ev.Type == "m.room.message" && gjson.GetBytes(ev.Content, "body").Str == "hello" {
			found = true
		}
	}
	assert.True(t, found, "sent message not in timeline")
}
