package multiplayer

import "sync"

// EventSink receives events produced by a Client.
// It allows the client to deliver events without depending on the TUI or storage.
type EventSink interface {
	// Send delivers an event asynchronously.
	// Must be non-blocking; implementations should use buffered channels.
	Send(evt Event)

	// Done returns a channel that closes when the sink stops accepting events.
	Done() <-chan struct{}
}

// EventRecorder persists events for later inspection.
// Implemented by the storage package.
type EventRecorder interface {
	RecordEvent(evt Event) error
}

// ChannelSink is an EventSink backed by a buffered channel.
// Used by the TUI monitor to receive events from running clients.
type ChannelSink struct {
	events   chan Event
	done     chan struct{}
	doneOnce sync.Once
}

// NewChannelSink creates a channel sink.
// bufferSize controls how many events can be buffered before the oldest are dropped.
func NewChannelSink(bufferSize int) *ChannelSink {
	if bufferSize < 1 {
		bufferSize = 64
	}
	return &ChannelSink{
		events: make(chan Event, bufferSize),
		done:   make(chan struct{}),
	}
}

// Send delivers an event.
// If the buffer is full, the oldest event is dropped to prevent blocking.
func (s *ChannelSink) Send(evt Event) {
	select {
	case <-s.done:
		return
	default:
	}

	select {
	case s.events <- evt:
	default:
		select {
		case <-s.events:
		default:
		}
		select {
		case s.events <- evt:
		default:
		}
	}
}

// Events returns the channel to receive events from.
func (s *ChannelSink) Events() <-chan Event {
	return s.events
}

// Done returns the done channel.
func (s *ChannelSink) Done() <-chan struct{} {
	return s.done
}

// Close marks the sink as done.
// Safe to call multiple times.
func (s *ChannelSink) Close() {
	s.doneOnce.Do(func() {
		close(s.done)
	})
}
