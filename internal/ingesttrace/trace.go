// Package ingesttrace follows a single event through the routing pipeline
// and counts the stages it passed.
package ingesttrace

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/you/gnasty-hub/internal/core"
)

// Stage is one step of the pipeline.
type Stage string

const (
	StageReceived Stage = "received"
	StageRouted   Stage = "routed"

	StageDroppedPrefix = "dropped_"
)

// StageDropped names the stage for an event dropped for reason.
func StageDropped(reason string) Stage {
	return Stage(StageDroppedPrefix + reason)
}

// Trace carries the identity of one event and its stage counters.
type Trace struct {
	Platform core.Platform
	Type     core.EventType
	User     string
	TraceID  string

	mu       sync.Mutex
	counters map[Stage]int64
}

// FromEvent starts a trace for ev and records StageReceived. The trace id is
// the event's correlation id, or a digest of its identity when it has none.
func FromEvent(ev core.Event) *Trace {
	t := &Trace{
		Platform: ev.Platform,
		Type:     ev.Type,
		User:     ev.Username,
		TraceID:  correlationID(ev),
		counters: map[Stage]int64{StageReceived: 1},
	}
	if t.TraceID == "" {
		t.TraceID = digest(string(ev.Platform), string(ev.Type), ev.UserID, ev.ID, ev.Timestamp)
	}
	return t
}

func correlationID(ev core.Event) string {
	if ev.Metadata == nil {
		return ""
	}
	id, _ := ev.Metadata["correlationId"].(string)
	return id
}

// Inc bumps the counter for stage and returns the new value.
func (t *Trace) Inc(stage Stage) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counters[stage]++
	return t.counters[stage]
}

// Count returns the counter for stage.
func (t *Trace) Count(stage Stage) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counters[stage]
}

func (t *Trace) MarshalZerologObject(e *zerolog.Event) {
	t.mu.Lock()
	stages := make([]string, 0, len(t.counters))
	for s := range t.counters {
		stages = append(stages, string(s))
	}
	sort.Strings(stages)
	counters := zerolog.Dict()
	for _, s := range stages {
		counters.Int64(s, t.counters[Stage(s)])
	}
	t.mu.Unlock()

	e.Str("trace_id", t.TraceID).
		Str("platform", string(t.Platform)).
		Str("type", string(t.Type)).
		Str("user", t.User).
		Dict("counters", counters)
}

// Log writes the trace at trace level.
func (t *Trace) Log(log zerolog.Logger, msg string) {
	log.Trace().EmbedObject(t).Msg(msg)
}

func digest(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0x1f})
		}
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
