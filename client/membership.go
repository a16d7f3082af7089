package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/jellydator/ttlcache/v3"
)

// MemberProfile is the profile attached to a joined room member.
type MemberProfile struct {
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
}

func (s *Session) membershipCall(ctx context.Context, op, action, roomID string, reqBody any) error {
	accessToken, err := s.token(op)
	if err != nil {
		return err
	}
	ctx, stop := s.requestContext(ctx)
	defer stop()

	path := "/_matrix/client/v3/rooms/" + url.PathEscape(roomID) + "/" + action
	if _, err := s.client.doRequest(ctx, op, "POST", path, accessToken, nil, reqBody); err != nil {
		return fmt.Errorf("%s %s: %w", op, roomID, err)
	}
	s.membersCache.Delete(roomID)
	return nil
}

// Invite invites userID to the room. The inviter must have permission.
func (s *Session) Invite(ctx context.Context, roomID, userID string) error {
	return s.membershipCall(ctx, "invite", "invite", roomID, map[string]string{"user_id": userID})
}

// Join joins the room. Joining a room the user is already in is
// rejected by most homeservers; use IsAlreadyInTheRoom on the returned
// error to treat that outcome as idempotent success.
func (s *Session) Join(ctx context.Context, roomID string) error {
	return s.membershipCall(ctx, "join", "join", roomID, struct{}{})
}

// Leave leaves the room.
func (s *Session) Leave(ctx context.Context, roomID string) error {
	return s.membershipCall(ctx, "leave", "leave", roomID, struct{}{})
}

// Forget discards the room from the user's room list. Only valid after
// leaving.
func (s *Session) Forget(ctx context.Context, roomID string) error {
	return s.membershipCall(ctx, "forget", "forget", roomID, struct{}{})
}

// JoinedMembers returns the profiles of all joined members keyed by
// user ID. Results are cached for a couple of seconds per room; any
// membership operation issued through this session invalidates the
// room's entry.
func (s *Session) JoinedMembers(ctx context.Context, roomID string) (map[string]MemberProfile, error) {
	if item := s.membersCache.Get(roomID); item != nil {
		return item.Value(), nil
	}

	accessToken, err := s.token("joinedMembers")
	if err != nil {
		return nil, err
	}
	ctx, stop := s.requestContext(ctx)
	defer stop()

	path := "/_matrix/client/v3/rooms/" + url.PathEscape(roomID) + "/joined_members"
	body, err := s.client.doRequest(ctx, "joined_members", "GET", path, accessToken, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("joinedMembers %s: %w", roomID, err)
	}

	var response struct {
		Joined map[string]MemberProfile `json:"joined"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("joinedMembers %s: decode failed: %w", roomID, err)
	}
	s.membersCache.Set(roomID, response.Joined, ttlcache.DefaultTTL)
	return response.Joined, nil
}
