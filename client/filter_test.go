package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tidwall/gjson"
)

func TestFilterEncodeEmpty(t *testing.T) {
	f := SyncFilter{}
	out := f.encode()

	// Presence and account data are always suppressed; everything else
	// stays absent so the server applies no room restrictions.
	parsed := gjson.Parse(out)
	assert.True(t, parsed.Get("presence.types").IsArray())
	assert.Len(t, parsed.Get("presence.types").Array(), 0)
	assert.Len(t, parsed.Get("account_data.types").Array(), 0)
	assert.False(t, parsed.Get("room").Exists())
}

func TestFilterEncodeSelectors(t *testing.T) {
	f := SyncFilter{
		Rooms:            []string{"!a:test", "!b:test"},
		StateTypes:       []string{"m.room.member"},
		NotTimelineTypes: []string{"m.typing"},
		TimelineLimit:    5,
	}
	parsed := gjson.Parse(f.encode())
	assert.Equal(t, "!a:test", parsed.Get("room.rooms.0").Str)
	assert.Equal(t, "!b:test", parsed.Get("room.rooms.1").Str)
	assert.Equal(t, "m.room.member", parsed.Get("room.state.types.0").Str)
	assert.Equal(t, "m.typing", parsed.Get("room.timeline.not_types.0").Str)
	assert.Equal(t, int64(5), parsed.Get("room.timeline.limit").Int())
	// Unset selectors must not appear at all: an empty types list means
	// "nothing", absence means "everything".
	assert.False(t, parsed.Get("room.timeline.types").Exists())
	assert.False(t, parsed.Get("room.state.not_types").Exists())
}

func TestFilterEncodeEmptyNonNilMeansNone(t *testing.T) {
	f := SyncFilter{StateTypes: []string{}}
	parsed := gjson.Parse(f.encode())
	assert.True(t, parsed.Get("room.state.types").Exists())
	assert.Len(t, parsed.Get("room.state.types").Array(), 0)
}

func TestWaitFilter(t *testing.T) {
	out := waitFilter([]string{"!a:test"}, []string{"m.room.message"})
	parsed := gjson.Parse(out)
	assert.Equal(t, "!a:test", parsed.Get("room.rooms.0").Str)
	assert.Equal(t, "m.room.message", parsed.Get("room.state.types.0").Str)
	assert.Equal(t, "m.room.message", parsed.Get("room.timeline.types.0").Str)
	assert.Equal(t, int64(20), parsed.Get("room.timeline.limit").Int())

	// No event types: any type may satisfy the wait, so no type
	// selectors are sent.
	out = waitFilter([]string{"!a:test"}, nil)
	parsed = gjson.Parse(out)
	assert.False(t, parsed.Get("room.state.types").Exists())
	assert.False(t, parsed.Get("room.timeline.types").Exists())
}
