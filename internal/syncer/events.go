package syncer

import (
	"sync"
	"time"

	"github.com/onnwee/opsdash/internal/logger"
)

// Change sources.
const (
	SourceLocal  = "local"  // a Write or Remove
	SourceRemote = "remote" // a refresh brought different data
	SourceReplay = "replay" // queued operations reached the remote
)

// DataChanged tells subscribers a collection's data changed.
type DataChanged struct {
	Collection string    `json:"collection"`
	Source     string    `json:"source"`
	At         time.Time `json:"at"`
}

// Handler receives change notifications. It runs synchronously on the
// goroutine that made the change and must not block.
type Handler func(DataChanged)

type subscription struct {
	collection string // empty for every collection
	fn         Handler
}

type emitter struct {
	mu     sync.RWMutex
	subs   map[int]subscription
	nextID int
}

func (e *emitter) subscribe(collection string, fn Handler) func() {
	e.mu.Lock()
	if e.subs == nil {
		e.subs = make(map[int]subscription)
	}
	id := e.nextID
	e.nextID++
	e.subs[id] = subscription{collection: collection, fn: fn}
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.subs, id)
			e.mu.Unlock()
		})
	}
}

func (e *emitter) emit(ev DataChanged) {
	e.mu.RLock()
	var fns []Handler
	for id := 0; id < e.nextID; id++ {
		s, ok := e.subs[id]
		if !ok || (s.collection != "" && s.collection != ev.Collection) {
			continue
		}
		fns = append(fns, s.fn)
	}
	e.mu.RUnlock()

	for _, fn := range fns {
		deliver(fn, ev)
	}
}

// deliver shields the write path from a panicking subscriber.
func deliver(fn Handler, ev DataChanged) {
	defer func() {
		if r := recover(); r != nil {
			logger.WithComponent("syncer").Error("data change subscriber panicked", "collection", ev.Collection, "source", ev.Source, "panic", r)
		}
	}()
	fn(ev)
}

// OnDataChanged subscribes fn to changes of collection.
func (o *Orchestrator) OnDataChanged(collection string, fn Handler) (unsubscribe func()) {
	return o.events.subscribe(collection, fn)
}

// OnAnyDataChanged subscribes fn to changes of every collection.
func (o *Orchestrator) OnAnyDataChanged(fn Handler) (unsubscribe func()) {
	return o.events.subscribe("", fn)
}

func (o *Orchestrator) changed(collection, source string) {
	o.events.emit(DataChanged{Collection: collection, Source: source, At: o.now()})
}
