package tether

// events.go: lifecycle events.
//
// Events are tagged loads. Minions report theirs to the master
// over the sealed request channel ({cmd:"_minion_event"}); a
// master installs whatever EventSink it wants to fan them into.

import (
	"strings"
	"time"
)

// Tagify joins tag parts the conventional way:
// Tagify("minion", id, "start") -> "minion/<id>/start".
func Tagify(parts ...string) string {
	return strings.Join(parts, "/")
}

// Event is one tagged occurrence.
type Event struct {
	Tag  string
	Data Load
	Time time.Time
}

// EventSink consumes events.
type EventSink interface {
	Fire(ev Event)
}

// LogSink prints each event.
type LogSink struct{}

func (LogSink) Fire(ev Event) {
	alwaysPrintf("event %v: %v", ev.Tag, ev.Data)
}

// DiscardSink drops everything.
type DiscardSink struct{}

func (DiscardSink) Fire(ev Event) {}

// FuncSink adapts a function.
type FuncSink func(ev Event)

func (f FuncSink) Fire(ev Event) { f(ev) }

// FireMasterEvent reports one event to the master over the
// sealed channel. Best effort by convention: callers that do
// not care log and move on.
func FireMasterEvent(rc *RequestChannel, tag string, data Load) error {
	_, err := rc.SendLoad(Load{
		"cmd":  "_minion_event",
		"tag":  tag,
		"data": data,
	}, 0, 0)
	return err
}

// StartEvent is what a minion fires after (re)connecting its
// publish stream.
func StartEvent(id string) (tag string, data Load) {
	return Tagify("minion", id, "start"), Load{
		"id": id,
		"ts": time.Now().UTC().Format(time.RFC3339),
	}
}
