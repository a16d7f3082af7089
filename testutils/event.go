package testutils

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

var (
	eventIDCounter = 0
	eventIDMu      sync.Mutex
)

func generateEventID() string {
	eventIDMu.Lock()
	defer eventIDMu.Unlock()
	eventIDCounter++
	return fmt.Sprintf("$event_%d", eventIDCounter)
}

// NewStateEvent builds the JSON form of a state event.
func NewStateEvent(evType, stateKey, sender string, content any) json.RawMessage {
	e := struct {
		Type           string `json:"type"`
		StateKey       string `json:"state_key"`
		Sender         string `json:"sender"`
		Content        any    `json:"content"`
		EventID        string `json:"event_id"`
		OriginServerTS int64  `json:"origin_server_ts"`
	}{
		Type:           evType,
		StateKey:       stateKey,
		Sender:         sender,
		Content:        content,
		EventID:        generateEventID(),
		OriginServerTS: time.Now().UnixMilli(),
	}
	j, err := json.Marshal(&e)
	if err != nil {
		panic("testutils: failed to make event JSON: " + err.Error())
	}
	return j
}

// NewTimelineEvent builds the JSON form of a non-state event.
func NewTimelineEvent(evType, sender string, content any) json.RawMessage {
	e := struct {
		Type           string `json:"type"`
		Sender         string `json:"sender"`
		Content        any    `json:"content"`
		EventID        string `json:"event_id"`
		OriginServerTS int64  `json:"origin_server_ts"`
	}{
		Type:           evType,
		Sender:         sender,
		Content:        content,
		EventID:        generateEventID(),
		OriginServerTS: time.Now().UnixMilli(),
	}
	j, err := json.Marshal(&e)
	if err != nil {
		panic("testutils: failed to make event JSON: " + err.Error())
	}
	return j
}
