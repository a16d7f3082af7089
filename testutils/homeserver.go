// Package testutils contains a fake homeserver implementing the slice
// of the client-server API that roomkit speaks, with real long-poll
// semantics, plus event builders and sync-response matchers. Tests use
// it instead of a live homeserver so that filter handling, membership
// rejections and long-poll wakeups are all deterministic.
package testutils

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/tidwall/gjson"
)

// ServerName is the domain of all user and room IDs the fake server mints.
const ServerName = "test"

type fakeUser struct {
	userID   string
	password string
}

type stateEntry struct {
	eventType string
	stateKey  string
	event     json.RawMessage
}

type fakeRoom struct {
	id      string
	state   []stateEntry // insertion-ordered, overwritten in place
	members map[string]string
}

func (r *fakeRoom) setState(eventType, stateKey string, event json.RawMessage) {
	for i := range r.state {
		if r.state[i].eventType == eventType && r.state[i].stateKey == stateKey {
			r.state[i].event = event
			return
		}
	}
	r.state = append(r.state, stateEntry{eventType, stateKey, event})
}

func (r *fakeRoom) getState(eventType, stateKey string) (json.RawMessage, bool) {
	for i := range r.state {
		if r.state[i].eventType == eventType && r.state[i].stateKey == stateKey {
			return r.state[i].event, true
		}
	}
	return nil, false
}

type logEntry struct {
	roomID   string
	section  string // "state" or "timeline"
	stateKey string // set for state entries
	event    json.RawMessage
}

// Homeserver is an in-memory homeserver. All mutation goes through the
// event log so that /sync positions are just log offsets; the since
// token the fake hands out is the stringified offset, which clients
// must treat as opaque.
type Homeserver struct {
	URL string

	// RequireDummyAuth makes /register demand a m.login.dummy UIAA
	// stage, exercising the client's one-retry completion.
	RequireDummyAuth bool

	srv *httptest.Server

	mu          sync.Mutex
	users       map[string]*fakeUser // by localpart
	tokens      map[string]string    // access token -> user ID
	rooms       map[string]*fakeRoom
	log         []logEntry
	waiters     []chan struct{}
	counter     int
	uiaaSession map[string]bool
}

// NewServer starts a fake homeserver and registers its shutdown with t.
func NewServer(t *testing.T) *Homeserver {
	t.Helper()
	s := &Homeserver{
		users:       make(map[string]*fakeUser),
		tokens:      make(map[string]string),
		rooms:       make(map[string]*fakeRoom),
		uiaaSession: make(map[string]bool),
	}
	s.srv = httptest.NewServer(s.router())
	s.URL = s.srv.URL
	t.Cleanup(s.srv.Close)
	return s
}

// Close shuts the server down early; tests that outlive it verify
// transport-failure propagation.
func (s *Homeserver) Close() {
	s.srv.Close()
}

// AddUser seeds an account directly, bypassing /register.
func (s *Homeserver) AddUser(localpart, password string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	userID := "@" + localpart + ":" + ServerName
	s.users[localpart] = &fakeUser{userID: userID, password: password}
	return userID
}

func (s *Homeserver) router() http.Handler {
	r := mux.NewRouter()
	v3 := r.PathPrefix("/_matrix/client/v3").Subrouter()
	v3.HandleFunc("/login", s.handleLogin).Methods("POST")
	v3.HandleFunc("/register", s.handleRegister).Methods("POST")
	v3.HandleFunc("/logout", s.authed(s.handleLogout)).Methods("POST")
	v3.HandleFunc("/account/whoami", s.authed(s.handleWhoAmI)).Methods("GET")
	v3.HandleFunc("/createRoom", s.authed(s.handleCreateRoom)).Methods("POST")
	v3.HandleFunc("/sync", s.authed(s.handleSync)).Methods("GET")
	v3.HandleFunc("/rooms/{roomID}/state", s.authed(s.handleFullState)).Methods("GET")
	v3.HandleFunc("/rooms/{roomID}/state/{eventType}/{stateKey}", s.authed(s.handleState)).Methods("GET", "PUT")
	v3.HandleFunc("/rooms/{roomID}/state/{eventType}/", s.authed(s.handleState)).Methods("GET", "PUT")
	v3.HandleFunc("/rooms/{roomID}/send/{eventType}/{txnID}", s.authed(s.handleSend)).Methods("PUT")
	v3.HandleFunc("/rooms/{roomID}/joined_members", s.authed(s.handleJoinedMembers)).Methods("GET")
	v3.HandleFunc("/rooms/{roomID}/{action:invite|join|leave|forget}", s.authed(s.handleMembership)).Methods("POST")
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	b, _ := json.Marshal(v)
	w.Write(b)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{
		"errcode": code,
		"error":   msg,
	})
}

func parseBody(req *http.Request) gjson.Result {
	body, _ := io.ReadAll(req.Body)
	return gjson.ParseBytes(body)
}

// authed resolves the bearer token to a user ID, passed as the third arg.
func (s *Homeserver) authed(h func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		token := strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer ")
		s.mu.Lock()
		userID, ok := s.tokens[token]
		s.mu.Unlock()
		if token == "" || !ok {
			writeError(w, 401, "M_UNKNOWN_TOKEN", "Unrecognised access token.")
			return
		}
		h(w, req, userID)
	}
}

func (s *Homeserver) issueToken(userID string) string {
	s.counter++
	token := fmt.Sprintf("tok_%d", s.counter)
	s.tokens[token] = userID
	return token
}

// appendEvent must be called with mu held. State entries also update
// the room's current state.
func (s *Homeserver) appendEvent(room *fakeRoom, section, stateKey string, event json.RawMessage) {
	if section == "state" {
		room.setState(gjson.GetBytes(event, "type").Str, stateKey, event)
	}
	s.log = append(s.log, logEntry{roomID: room.id, section: section, stateKey: stateKey, event: event})
	for _, ch := range s.waiters {
		close(ch)
	}
	s.waiters = nil
}

func (s *Homeserver) handleLogin(w http.ResponseWriter, req *http.Request) {
	body := parseBody(req)
	localpart := body.Get("identifier.user").Str
	if localpart == "" {
		localpart = body.Get("user").Str
	}
	localpart = strings.TrimPrefix(strings.SplitN(localpart, ":", 2)[0], "@")

	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[localpart]
	if !ok || user.password != body.Get("password").Str {
		writeError(w, 403, "M_FORBIDDEN", "Invalid username or password")
		return
	}
	s.counter++
	writeJSON(w, 200, map[string]string{
		"user_id":      user.userID,
		"access_token": s.issueToken(user.userID),
		"device_id":    fmt.Sprintf("DEV_%d", s.counter),
	})
}

func (s *Homeserver) handleRegister(w http.ResponseWriter, req *http.Request) {
	body := parseBody(req)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.RequireDummyAuth {
		auth := body.Get("auth")
		if auth.Get("type").Str != "m.login.dummy" || !s.uiaaSession[auth.Get("session").Str] {
			s.counter++
			sessionID := fmt.Sprintf("uiaa_%d", s.counter)
			s.uiaaSession[sessionID] = true
			writeJSON(w, 401, map[string]any{
				"session": sessionID,
				"flows":   []map[string]any{{"stages": []string{"m.login.dummy"}}},
			})
			return
		}
		delete(s.uiaaSession, auth.Get("session").Str)
	}

	localpart := body.Get("username").Str
	if req.URL.Query().Get("kind") == "guest" || localpart == "" {
		s.counter++
		localpart = fmt.Sprintf("guest_%d", s.counter)
	}
	if _, exists := s.users[localpart]; exists {
		writeError(w, 400, "M_USER_IN_USE", "Desired user ID is already taken.")
		return
	}
	userID := "@" + localpart + ":" + ServerName
	s.users[localpart] = &fakeUser{userID: userID, password: body.Get("password").Str}

	response := map[string]string{"user_id": userID}
	if !body.Get("inhibit_login").Bool() {
		s.counter++
		response["access_token"] = s.issueToken(userID)
		response["device_id"] = fmt.Sprintf("DEV_%d", s.counter)
	}
	writeJSON(w, 200, response)
}

func (s *Homeserver) handleLogout(w http.ResponseWriter, req *http.Request, userID string) {
	token := strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer ")
	s.mu.Lock()
	delete(s.tokens, token)
	s.mu.Unlock()
	writeJSON(w, 200, struct{}{})
}

func (s *Homeserver) handleWhoAmI(w http.ResponseWriter, req *http.Request, userID string) {
	writeJSON(w, 200, map[string]string{"user_id": userID})
}

func (s *Homeserver) handleCreateRoom(w http.ResponseWriter, req *http.Request, userID string) {
	body := parseBody(req)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.counter++
	room := &fakeRoom{
		id:      fmt.Sprintf("!room_%d:%s", s.counter, ServerName),
		members: map[string]string{userID: "join"},
	}
	s.rooms[room.id] = room

	creationContent := map[string]any{"creator": userID}
	if cc := body.Get("creation_content"); cc.Exists() {
		for k, v := range cc.Map() {
			creationContent[k] = v.Value()
		}
	}
	if rv := body.Get("room_version").Str; rv != "" {
		creationContent["room_version"] = rv
	}
	s.appendEvent(room, "state", "", NewStateEvent("m.room.create", "", userID, creationContent))
	s.appendEvent(room, "state", userID, NewStateEvent("m.room.member", userID, userID, map[string]string{"membership": "join"}))

	powerLevels := map[string]any{"users": map[string]any{userID: 100}}
	if pl := body.Get("power_level_content_override"); pl.Exists() {
		for k, v := range pl.Map() {
			powerLevels[k] = v.Value()
		}
	}
	s.appendEvent(room, "state", "", NewStateEvent("m.room.power_levels", "", userID, powerLevels))

	// initial_state is applied in order as part of creation: the whole
	// set is visible (or the room does not exist), never a partial seed.
	for _, ev := range body.Get("initial_state").Array() {
		s.appendEvent(room, "state", ev.Get("state_key").Str,
			NewStateEvent(ev.Get("type").Str, ev.Get("state_key").Str, userID, ev.Get("content").Value()))
	}
	if name := body.Get("name").Str; name != "" {
		s.appendEvent(room, "state", "", NewStateEvent("m.room.name", "", userID, map[string]string{"name": name}))
	}
	if topic := body.Get("topic").Str; topic != "" {
		s.appendEvent(room, "state", "", NewStateEvent("m.room.topic", "", userID, map[string]string{"topic": topic}))
	}
	for _, invitee := range body.Get("invite").Array() {
		room.members[invitee.Str] = "invite"
		s.appendEvent(room, "state", invitee.Str, NewStateEvent("m.room.member", invitee.Str, userID, map[string]string{"membership": "invite"}))
	}

	writeJSON(w, 200, map[string]string{"room_id": room.id})
}

// roomForUser returns the room if the user may operate on it.
func (s *Homeserver) roomForUser(w http.ResponseWriter, roomID, userID string) *fakeRoom {
	room, ok := s.rooms[roomID]
	if !ok {
		writeError(w, 404, "M_NOT_FOUND", "Room not found.")
		return nil
	}
	if room.members[userID] != "join" {
		writeError(w, 403, "M_FORBIDDEN", "User "+userID+" not in room "+roomID)
		return nil
	}
	return room
}

func (s *Homeserver) handleState(w http.ResponseWriter, req *http.Request, userID string) {
	vars := mux.Vars(req)
	s.mu.Lock()
	defer s.mu.Unlock()
	room := s.roomForUser(w, vars["roomID"], userID)
	if room == nil {
		return
	}
	eventType, stateKey := vars["eventType"], vars["stateKey"]

	if req.Method == "GET" {
		event, ok := room.getState(eventType, stateKey)
		if !ok {
			writeError(w, 404, "M_NOT_FOUND", "Event not found.")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(200)
		w.Write([]byte(gjson.GetBytes(event, "content").Raw))
		return
	}

	body, _ := io.ReadAll(req.Body)
	event := NewStateEvent(eventType, stateKey, userID, json.RawMessage(body))
	s.appendEvent(room, "state", stateKey, event)
	writeJSON(w, 200, map[string]string{"event_id": gjson.GetBytes(event, "event_id").Str})
}

func (s *Homeserver) handleFullState(w http.ResponseWriter, req *http.Request, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room := s.roomForUser(w, mux.Vars(req)["roomID"], userID)
	if room == nil {
		return
	}
	events := make([]json.RawMessage, 0, len(room.state))
	for _, entry := range room.state {
		events = append(events, entry.event)
	}
	writeJSON(w, 200, events)
}

func (s *Homeserver) handleSend(w http.ResponseWriter, req *http.Request, userID string) {
	vars := mux.Vars(req)
	s.mu.Lock()
	defer s.mu.Unlock()
	room := s.roomForUser(w, vars["roomID"], userID)
	if room == nil {
		return
	}
	body, _ := io.ReadAll(req.Body)
	event := NewTimelineEvent(vars["eventType"], userID, json.RawMessage(body))
	s.appendEvent(room, "timeline", "", event)
	writeJSON(w, 200, map[string]string{"event_id": gjson.GetBytes(event, "event_id").Str})
}

func (s *Homeserver) handleJoinedMembers(w http.ResponseWriter, req *http.Request, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room := s.roomForUser(w, mux.Vars(req)["roomID"], userID)
	if room == nil {
		return
	}
	joined := map[string]map[string]string{}
	for member, membership := range room.members {
		if membership == "join" {
			localpart := strings.TrimPrefix(strings.SplitN(member, ":", 2)[0], "@")
			joined[member] = map[string]string{"display_name": localpart, "avatar_url": ""}
		}
	}
	writeJSON(w, 200, map[string]any{"joined": joined})
}

func (s *Homeserver) handleMembership(w http.ResponseWriter, req *http.Request, userID string) {
	vars := mux.Vars(req)
	roomID, action := vars["roomID"], vars["action"]

	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		writeError(w, 404, "M_NOT_FOUND", "Room not found.")
		return
	}

	switch action {
	case "invite":
		if room.members[userID] != "join" {
			writeError(w, 403, "M_FORBIDDEN", "User "+userID+" not in room "+roomID)
			return
		}
		target := parseBody(req).Get("user_id").Str
		if room.members[target] == "join" {
			writeError(w, 403, "M_FORBIDDEN", target+" is already in the room.")
			return
		}
		room.members[target] = "invite"
		s.appendEvent(room, "state", target, NewStateEvent("m.room.member", target, userID, map[string]string{"membership": "invite"}))
		writeJSON(w, 200, struct{}{})

	case "join":
		if room.members[userID] == "join" {
			writeError(w, 403, "M_FORBIDDEN", userID+" is already in the room.")
			return
		}
		room.members[userID] = "join"
		s.appendEvent(room, "state", userID, NewStateEvent("m.room.member", userID, userID, map[string]string{"membership": "join"}))
		writeJSON(w, 200, map[string]string{"room_id": roomID})

	case "leave":
		if room.members[userID] != "join" && room.members[userID] != "invite" {
			writeError(w, 403, "M_FORBIDDEN", "User "+userID+" not in room "+roomID)
			return
		}
		room.members[userID] = "leave"
		s.appendEvent(room, "state", userID, NewStateEvent("m.room.member", userID, userID, map[string]string{"membership": "leave"}))
		writeJSON(w, 200, struct{}{})

	case "forget":
		if room.members[userID] == "join" {
			writeError(w, 400, "M_UNKNOWN", "User "+userID+" is still in room "+roomID)
			return
		}
		delete(room.members, userID)
		writeJSON(w, 200, struct{}{})
	}
}

// --- /sync ---

type syncFilter struct {
	rooms            []string
	hasRooms         bool
	stateTypes       []string
	hasStateTypes    bool
	notStateTypes    []string
	timelineTypes    []string
	hasTimelineTypes bool
	notTimelineTypes []string
	timelineLimit    int
}

func parseSyncFilter(raw string) syncFilter {
	f := syncFilter{}
	if raw == "" {
		return f
	}
	parsed := gjson.Parse(raw)
	strs := func(r gjson.Result) []string {
		var out []string
		for _, v := range r.Array() {
			out = append(out, v.Str)
		}
		return out
	}
	if r := parsed.Get("room.rooms"); r.Exists() {
		f.hasRooms, f.rooms = true, strs(r)
	}
	if r := parsed.Get("room.state.types"); r.Exists() {
		f.hasStateTypes, f.stateTypes = true, strs(r)
	}
	f.notStateTypes = strs(parsed.Get("room.state.not_types"))
	if r := parsed.Get("room.timeline.types"); r.Exists() {
		f.hasTimelineTypes, f.timelineTypes = true, strs(r)
	}
	f.notTimelineTypes = strs(parsed.Get("room.timeline.not_types"))
	f.timelineLimit = int(parsed.Get("room.timeline.limit").Int())
	return f
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (f *syncFilter) allowsRoom(roomID string) bool {
	return !f.hasRooms || contains(f.rooms, roomID)
}

func (f *syncFilter) allowsState(eventType string) bool {
	if contains(f.notStateTypes, eventType) {
		return false
	}
	return !f.hasStateTypes || contains(f.stateTypes, eventType)
}

func (f *syncFilter) allowsTimeline(eventType string) bool {
	if contains(f.notTimelineTypes, eventType) {
		return false
	}
	return !f.hasTimelineTypes || contains(f.timelineTypes, eventType)
}

func (s *Homeserver) handleSync(w http.ResponseWriter, req *http.Request, userID string) {
	query := req.URL.Query()
	since := -1
	if sinceStr := query.Get("since"); sinceStr != "" {
		n, err := strconv.Atoi(sinceStr)
		if err != nil {
			writeError(w, 400, "M_INVALID_PARAM", "Invalid since token")
			return
		}
		since = n
	}
	timeoutMS, _ := strconv.Atoi(query.Get("timeout"))
	filter := parseSyncFilter(query.Get("filter"))
	fullState := query.Get("full_state") == "true"

	if since >= 0 && timeoutMS > 0 {
		s.waitForActivity(req, since, time.Duration(timeoutMS)*time.Millisecond)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pos := len(s.log)
	join := map[string]any{}
	invite := map[string]any{}
	leave := map[string]any{}

	for roomID, room := range s.rooms {
		if !filter.allowsRoom(roomID) {
			continue
		}
		switch room.members[userID] {
		case "join":
			var stateEvents, timelineEvents []json.RawMessage
			if since < 0 || fullState {
				for _, entry := range room.state {
					if filter.allowsState(entry.eventType) {
						stateEvents = append(stateEvents, entry.event)
					}
				}
			}
			from := since
			if from < 0 {
				from = 0
			}
			for _, entry := range s.log[from:] {
				if entry.roomID != roomID {
					continue
				}
				switch entry.section {
				case "state":
					if since >= 0 && !fullState && filter.allowsState(gjson.GetBytes(entry.event, "type").Str) {
						stateEvents = append(stateEvents, entry.event)
					}
				case "timeline":
					if filter.allowsTimeline(gjson.GetBytes(entry.event, "type").Str) {
						timelineEvents = append(timelineEvents, entry.event)
					}
				}
			}
			limited := false
			if filter.timelineLimit > 0 && len(timelineEvents) > filter.timelineLimit {
				timelineEvents = timelineEvents[len(timelineEvents)-filter.timelineLimit:]
				limited = true
			}
			if since >= 0 && len(stateEvents) == 0 && len(timelineEvents) == 0 {
				continue
			}
			join[roomID] = map[string]any{
				"state":    map[string]any{"events": rawList(stateEvents)},
				"timeline": map[string]any{"events": rawList(timelineEvents), "limited": limited},
			}

		case "invite":
			if since >= 0 && !s.roomChangedSince(roomID, since) {
				continue
			}
			var inviteState []json.RawMessage
			for _, entry := range room.state {
				if entry.eventType == "m.room.create" || entry.eventType == "m.room.name" ||
					(entry.eventType == "m.room.member" && entry.stateKey == userID) {
					inviteState = append(inviteState, entry.event)
				}
			}
			invite[roomID] = map[string]any{
				"invite_state": map[string]any{"events": rawList(inviteState)},
			}

		case "leave":
			if since >= 0 && !s.roomChangedSince(roomID, since) {
				continue
			}
			leave[roomID] = map[string]any{}
		}
	}

	writeJSON(w, 200, map[string]any{
		"next_batch": strconv.Itoa(pos),
		"rooms": map[string]any{
			"join":   join,
			"invite": invite,
			"leave":  leave,
		},
	})
}

// rawList keeps empty sections as [] rather than null.
func rawList(events []json.RawMessage) []json.RawMessage {
	if events == nil {
		return []json.RawMessage{}
	}
	return events
}

func (s *Homeserver) roomChangedSince(roomID string, since int) bool {
	for _, entry := range s.log[since:] {
		if entry.roomID == roomID {
			return true
		}
	}
	return false
}

// waitForActivity blocks until the log grows past pos, the timeout
// fires, or the caller goes away. This is the long-poll: the connection
// is held server-side, so the client observes bounded-latency wakeups
// without busy-polling.
func (s *Homeserver) waitForActivity(req *http.Request, pos int, timeout time.Duration) {
	s.mu.Lock()
	if len(s.log) > pos {
		s.mu.Unlock()
		return
	}
	ch := make(chan struct{})
	s.waiters = append(s.waiters, ch)
	s.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
	case <-timer.C:
	case <-req.Context().Done():
	}
}
