package parse

import (
	"time"

	"github.com/google/uuid"

	"github.com/grumpyjames/buck/src/core"
)

// A ParseEventKind says what stage of a parse an event describes.
type ParseEventKind int

const (
	// ParseStarted is emitted exactly once per actual parse, i.e. cache hits
	// and coalesced waiters never produce one.
	ParseStarted ParseEventKind = iota
	ParseFinished
	ParseFailed
	// QueryStarted and QueryFinished bracket one whole target-graph query
	// rather than a single build file; progress reporters key off these.
	QueryStarted
	QueryFinished
)

func (k ParseEventKind) String() string {
	switch k {
	case ParseStarted:
		return "started"
	case ParseFinished:
		return "finished"
	case ParseFailed:
		return "failed"
	case QueryStarted:
		return "query started"
	case QueryFinished:
		return "query finished"
	}
	return "unknown"
}

// A ParseEvent describes one build file parse. Started and Finished/Failed
// events for the same parse share an ID.
type ParseEvent struct {
	ID        uuid.UUID
	Kind      ParseEventKind
	CellRoot  string
	BuildFile string
	// Time since the matching Started event; zero on Started itself.
	Duration time.Duration
	Err      error
	// The requested targets, on query-scoped events only.
	Targets []core.BuildLabel
	// The resulting graph, on a successful QueryFinished.
	Graph *core.TargetGraph
}

// A ParseObserver receives parse lifecycle events. Implementations must be
// safe for concurrent use; calls happen on parsing goroutines.
type ParseObserver interface {
	OnParseEvent(ParseEvent)
}

// ObserverFunc adapts a function to the ParseObserver interface.
type ObserverFunc func(ParseEvent)

func (f ObserverFunc) OnParseEvent(event ParseEvent) { f(event) }
