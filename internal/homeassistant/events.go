package homeassistant

import (
	"context"
	"encoding/json"
	"log/slog"
)

// EventHandler is called for each watched event with its type and
// decoded data.
type EventHandler func(ctx context.Context, eventType string, data map[string]any)

// EventWatcher reads events from a Home Assistant WebSocket event
// channel and dispatches the watched types to a handler.
type EventWatcher struct {
	events  <-chan Event
	types   map[string]bool
	handler EventHandler
	logger  *slog.Logger
}

// NewEventWatcher creates a watcher for the given event types. An empty
// type list watches every event on the channel.
func NewEventWatcher(events <-chan Event, types []string, handler EventHandler, logger *slog.Logger) *EventWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	set := make(map[string]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return &EventWatcher{
		events:  events,
		types:   set,
		handler: handler,
		logger:  logger,
	}
}

// Run reads events from the channel until the context is cancelled or
// the channel is closed. It blocks the calling goroutine.
func (w *EventWatcher) Run(ctx context.Context) {
	w.logger.Info("event watcher started", "types", len(w.types))
	defer w.logger.Info("event watcher stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.events:
			if !ok {
				return
			}
			w.handleEvent(ctx, ev)
		}
	}
}

// handleEvent processes a single event from the channel.
func (w *EventWatcher) handleEvent(ctx context.Context, ev Event) {
	if len(w.types) > 0 && !w.types[ev.Type] {
		return
	}

	data := map[string]any{}
	if len(ev.Data) > 0 && string(ev.Data) != "null" {
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			w.logger.Warn("failed to unmarshal event data", "type", ev.Type, "error", err)
			return
		}
	}

	w.logger.Debug("event received", "type", ev.Type, "origin", ev.Origin)
	w.handler(ctx, ev.Type, data)
}
