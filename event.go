package canbus

import (
	"context"
	"fmt"
	"log/slog"
)

type EventType int

func (et EventType) String() string {
	switch et {
	case EventTypeError:
		return "ERROR"
	case EventTypeWarning:
		return "WARN"
	case EventTypeInfo:
		return "INFO"
	case EventTypeDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

// Level maps the event type onto a slog level.
func (et EventType) Level() slog.Level {
	switch et {
	case EventTypeError:
		return slog.LevelError
	case EventTypeWarning:
		return slog.LevelWarn
	case EventTypeInfo:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

const (
	EventTypeError EventType = iota
	EventTypeWarning
	EventTypeInfo
	EventTypeDebug
)

// Event is an asynchronous notification from a bus, its scheduler or a notifier.
type Event struct {
	Type    EventType
	Source  string
	Details string
	Err     error
}

func (e Event) String() string {
	if e.Source == "" {
		return fmt.Sprintf("[%s] %s", e.Type.String(), e.Details)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Type.String(), e.Source, e.Details)
}

// LogEvents returns an event sink that writes to logger.
func LogEvents(logger *slog.Logger) func(Event) {
	if logger == nil {
		logger = slog.Default()
	}
	return func(e Event) {
		attrs := []any{"source", e.Source}
		if e.Err != nil {
			attrs = append(attrs, "error", e.Err)
		}
		logger.Log(context.Background(), e.Type.Level(), e.Details, attrs...)
	}
}

func errorEvent(source string, err error) Event {
	return Event{Type: EventTypeError, Source: source, Details: err.Error(), Err: err}
}
