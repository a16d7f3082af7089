package client

import "github.com/tidwall/sjson"

// SyncFilter selects what a sync call returns. It is rendered as the
// inline JSON form of the filter query parameter, scoped to the room
// section. A nil slice means "no restriction"; an empty non-nil slice
// means "nothing of this kind". Presence and account data are always
// suppressed: this client only deals in room state and timelines.
type SyncFilter struct {
	// Rooms restricts the response to these room IDs.
	Rooms []string
	// StateTypes / NotStateTypes allow or deny state event types.
	StateTypes    []string
	NotStateTypes []string
	// TimelineTypes / NotTimelineTypes allow or deny timeline event types.
	TimelineTypes    []string
	NotTimelineTypes []string
	// TimelineLimit caps timeline events per room per response.
	TimelineLimit int
}

// encode renders the filter to its wire JSON. sjson omits nothing we
// set, so nil-ness checks control which selectors appear.
func (f *SyncFilter) encode() string {
	b := []byte(`{"presence":{"types":[]},"account_data":{"types":[]}}`)
	if f.Rooms != nil {
		b, _ = sjson.SetBytes(b, "room.rooms", f.Rooms)
	}
	if f.StateTypes != nil {
		b, _ = sjson.SetBytes(b, "room.state.types", f.StateTypes)
	}
	if f.NotStateTypes != nil {
		b, _ = sjson.SetBytes(b, "room.state.not_types", f.NotStateTypes)
	}
	if f.TimelineTypes != nil {
		b, _ = sjson.SetBytes(b, "room.timeline.types", f.TimelineTypes)
	}
	if f.NotTimelineTypes != nil {
		b, _ = sjson.SetBytes(b, "room.timeline.not_types", f.NotTimelineTypes)
	}
	if f.TimelineLimit > 0 {
		b, _ = sjson.SetBytes(b, "room.timeline.limit", f.TimelineLimit)
	}
	return string(b)
}

// waitFilter is the filter WaitForEvents polls with: scoped to the
// rooms and event types under observation so unrelated traffic never
// travels over the wire.
func waitFilter(roomIDs, eventTypes []string) string {
	f := SyncFilter{
		Rooms:         roomIDs,
		TimelineLimit: 20,
	}
	if len(eventTypes) > 0 {
		f.StateTypes = eventTypes
		f.TimelineTypes = eventTypes
	}
	return f.encode()
}
