package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"github.com/roomkit/roomkit/internal"
)

// EventsSection is a list of events under a sync response section.
type EventsSection struct {
	Events []json.RawMessage `json:"events"`
}

// TimelineSection is the timeline chunk of a joined or left room.
type TimelineSection struct {
	Events    []json.RawMessage `json:"events"`
	Limited   bool              `json:"limited,omitempty"`
	PrevBatch string            `json:"prev_batch,omitempty"`
}

// JoinedRoom is a room under the 'join' key of a sync response.
type JoinedRoom struct {
	State     EventsSection   `json:"state"`
	Timeline  TimelineSection `json:"timeline"`
	Ephemeral EventsSection   `json:"ephemeral"`
}

// InvitedRoom is a room under the 'invite' key. Invite state is the
// stripped-down subset of state the server shares before joining.
type InvitedRoom struct {
	InviteState EventsSection `json:"invite_state"`
}

// LeftRoom is a room under the 'leave' key.
type LeftRoom struct {
	State    EventsSection   `json:"state"`
	Timeline TimelineSection `json:"timeline"`
}

// RoomsResponse maps room IDs to their sync payloads per membership.
type RoomsResponse struct {
	Join   map[string]JoinedRoom  `json:"join"`
	Invite map[string]InvitedRoom `json:"invite"`
	Leave  map[string]LeftRoom    `json:"leave"`
}

// SyncResponse is the result of one sync call. NextBatch is the opaque
// cursor to replay on the next call; it is never parsed or compared.
type SyncResponse struct {
	NextBatch   string        `json:"next_batch"`
	Rooms       RoomsResponse `json:"rooms"`
	AccountData EventsSection `json:"account_data"`
}

// SyncOptions configures a single sync call.
type SyncOptions struct {
	// Filter selects what the response contains. Nil sends no filter.
	Filter *SyncFilter
	// FullState asks for all state regardless of the cursor.
	FullState bool
	// Since overrides the session's stored cursor for this call.
	// Empty means "use the stored cursor" (which on a fresh session is
	// an initial sync).
	Since string
	// Timeout is the server-side long-poll hold, sent when SetTimeout
	// is true. Zero with SetTimeout makes the call return immediately.
	Timeout    time.Duration
	SetTimeout bool
}

// Sync performs one sync request: a single HTTP call, no looping. The
// returned cursor is stored on the session and replayed by the next
// call that does not override Since.
func (s *Session) Sync(ctx context.Context, opts SyncOptions) (*SyncResponse, error) {
	accessToken, err := s.token("sync")
	if err != nil {
		return nil, err
	}

	since := opts.Since
	if since == "" {
		s.mu.Lock()
		since = s.nextBatch
		s.mu.Unlock()
	}

	query := url.Values{}
	if since != "" {
		query.Set("since", since)
	}
	if opts.SetTimeout {
		query.Set("timeout", strconv.FormatInt(opts.Timeout.Milliseconds(), 10))
	}
	if opts.Filter != nil {
		query.Set("filter", opts.Filter.encode())
	}
	if opts.FullState {
		query.Set("full_state", "true")
	}
	return s.syncRequest(ctx, accessToken, query)
}

func (s *Session) syncRequest(ctx context.Context, accessToken string, query url.Values) (*SyncResponse, error) {
	ctx, stop := s.requestContext(ctx)
	defer stop()

	body, err := s.client.doRequest(ctx, "sync", "GET", "/_matrix/client/v3/sync", accessToken, query, nil)
	if err != nil {
		return nil, fmt.Errorf("sync: %w", err)
	}
	var res SyncResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("sync: decode failed: %w", err)
	}
	internal.Assert("sync response carries a next_batch cursor", res.NextBatch != "")

	s.mu.Lock()
	if s.state == StateAuthenticated {
		s.nextBatch = res.NextBatch
	}
	s.mu.Unlock()
	return &res, nil
}

// longPollInterval caps the server-side hold of a single poll inside
// WaitForEvents. 30s matches the client-server spec recommendation.
const longPollInterval = 30 * time.Second

// WaitForEvents long-polls until an event whose type is in eventTypes
// arrives in one of roomIDs, or until timeout elapses. It returns
// (false, nil) when such an event was observed and (true, nil) on
// timeout — a timeout is a normal outcome, not an error.
//
// Only events arriving after the call begins count: the loop first
// anchors a cursor at "now" with an immediate sync whose content is
// discarded, so pre-existing room state never satisfies the wait.
// Matching covers the state and timeline sections of joined rooms and
// the invite state of rooms the user is being invited to.
//
// An empty eventTypes matches any event type in the given rooms.
//
// Each poll's server-side hold is bounded by the remaining budget, so
// the call returns late by at most one in-flight request. A timeout
// of zero or less performs exactly one immediate check. Transport
// failures mid-loop surface at once; they are indistinguishable from
// server-side cancellation and must not masquerade as a timeout.
// Destroying the session cancels the in-flight poll and settles the
// call with an IllegalStateError.
func (s *Session) WaitForEvents(ctx context.Context, eventTypes, roomIDs []string, timeout time.Duration) (timedOut bool, err error) {
	accessToken, err := s.token("waitForEvents")
	if err != nil {
		return false, err
	}

	clk := s.client.clock
	deadline := clk.Now().Add(timeout)
	filter := waitFilter(roomIDs, eventTypes)

	// Anchor at "now". The response content is deliberately ignored.
	query := url.Values{
		"timeout": {"0"},
		"filter":  {filter},
	}
	res, err := s.syncRequest(ctx, accessToken, query)
	if err != nil {
		return false, s.waitErr(err)
	}
	since := res.NextBatch

	for {
		remaining := deadline.Sub(clk.Now())
		pollTimeout := remaining
		if pollTimeout > longPollInterval {
			pollTimeout = longPollInterval
		}
		if pollTimeout < 0 {
			pollTimeout = 0
		}
		query := url.Values{
			"since":   {since},
			"timeout": {strconv.FormatInt(pollTimeout.Milliseconds(), 10)},
			"filter":  {filter},
		}
		res, err := s.syncRequest(ctx, accessToken, query)
		if err != nil {
			return false, s.waitErr(err)
		}
		if syncContainsEvent(res, roomIDs, eventTypes) {
			s.client.logger.Debug().
				Strs("event_types", eventTypes).
				Strs("room_ids", roomIDs).
				Msg("wait satisfied")
			return false, nil
		}
		since = res.NextBatch
		if timeout <= 0 || !clk.Now().Before(deadline) {
			return true, nil
		}
	}
}

// waitErr distinguishes "the session was destroyed under us" from a
// genuine transport or server failure.
func (s *Session) waitErr(err error) error {
	if s.ctx.Err() != nil {
		return &IllegalStateError{Op: "waitForEvents", State: StateDestroyed}
	}
	return fmt.Errorf("waitForEvents: %w", err)
}

func syncContainsEvent(res *SyncResponse, roomIDs, eventTypes []string) bool {
	types := make(map[string]struct{}, len(eventTypes))
	for _, t := range eventTypes {
		types[t] = struct{}{}
	}
	matches := func(events []json.RawMessage) bool {
		for _, ev := range events {
			if len(types) == 0 {
				return true
			}
			if _, ok := types[gjson.GetBytes(ev, "type").Str]; ok {
				return true
			}
		}
		return false
	}
	for _, roomID := range roomIDs {
		if room, ok := res.Rooms.Join[roomID]; ok {
			if matches(room.State.Events) || matches(room.Timeline.Events) {
				return true
			}
		}
		if room, ok := res.Rooms.Invite[roomID]; ok {
			if matches(room.InviteState.Events) {
				return true
			}
		}
	}
	return false
}
