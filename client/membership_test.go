package client_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roomkit/roomkit/client"
	"github.com/roomkit/roomkit/testutils"
)

func TestInviteJoinLeaveForget(t *testing.T) {
	srv := testutils.NewServer(t)
	srv.AddUser("alice", "hunter2")
	bobID := srv.AddUser("bob", "pw")
	alice := loginSession(t, srv, "alice", "hunter2")
	bob := loginSession(t, srv, "bob", "pw")
	ctx := context.Background()

	roomID, err := alice.CreateRoom(ctx, client.CreateRoomRequest{Preset: "private_chat"})
	require.NoError(t, err)

	require.NoError(t, alice.Invite(ctx, roomID, bobID))
	require.NoError(t, bob.Join(ctx, roomID))

	members, err := alice.JoinedMembers(ctx, roomID)
	require.NoError(t, err)
	assert.Contains(t, members, bobID)

	require.NoError(t, bob.Leave(ctx, roomID))
	require.NoError(t, bob.Forget(ctx, roomID))

	// Leaving strips access to the room's state.
	_, err = bob.RoomState(ctx, roomID, "m.room.create", "")
	require.Error(t, err)
}

func TestJoinTwiceIsAlreadyInTheRoom(t *testing.T) {
	srv := testutils.NewServer(t)
	srv.AddUser("alice", "hunter2")
	alice := loginSession(t, srv, "alice", "hunter2")
	ctx := context.Background()

	roomID, err := alice.CreateRoom(ctx, client.CreateRoomRequest{})
	require.NoError(t, err)

	err = alice.Join(ctx, roomID)
	require.Error(t, err)
	assert.True(t, client.IsAlreadyInTheRoom(err), "want already-member, got %v", err)
	// Not every forbidden is an already-member, but this one must not
	// classify as a generic permission failure.
	assert.Equal(t, client.KindAlreadyMember, client.Classify(err))
}

func TestInviteJoinedUserIsAlreadyInTheRoom(t *testing.T) {
	srv := testutils.NewServer(t)
	srv.AddUser("alice", "hunter2")
	bobID := srv.AddUser("bob", "pw")
	alice := loginSession(t, srv, "alice", "hunter2")
	bob := loginSession(t, srv, "bob", "pw")
	ctx := context.Background()

	roomID, err := alice.CreateRoom(ctx, client.CreateRoomRequest{})
	require.NoError(t, err)
	require.NoError(t, alice.Invite(ctx, roomID, bobID))
	require.NoError(t, bob.Join(ctx, roomID))

	err = alice.Invite(ctx, roomID, bobID)
	require.Error(t, err)
	assert.True(t, client.IsAlreadyInTheRoom(err))
}

func TestMembershipOnUnknownRoom(t *testing.T) {
	srv := testutils.NewServer(t)
	srv.AddUser("alice", "hunter2")
	alice := loginSession(t, srv, "alice", "hunter2")

	err := alice.Join(context.Background(), "!nope:test")
	require.Error(t, err)
	assert.True(t, client.IsNotFound(err))
}

func TestJoinedMembersCacheInvalidation(t *testing.T) {
	srv := testutils.NewServer(t)
	srv.AddUser("alice", "hunter2")
	bobID := srv.AddUser("bob", "pw")
	alice := loginSession(t, srv, "alice", "hunter2")
	bob := loginSession(t, srv, "bob", "pw")
	ctx := context.Background()

	roomID, err := alice.CreateRoom(ctx, client.CreateRoomRequest{})
	require.NoError(t, err)

	// Prime alice's cache before bob exists in the room.
	members, err := alice.JoinedMembers(ctx, roomID)
	require.NoError(t, err)
	require.NotContains(t, members, bobID)

	// An invite issued through this session drops the cached entry, so
	// the next read sees bob's join without waiting out the TTL.
	require.NoError(t, alice.Invite(ctx, roomID, bobID))
	require.NoError(t, bob.Join(ctx, roomID))

	members, err = alice.JoinedMembers(ctx, roomID)
	require.NoError(t, err)
	assert.Contains(t, members, bobID)
}
