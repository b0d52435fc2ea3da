package events

import "context"

// Sink consumes batches of pipeline events. Implementations must honor ctx
// deadlines and tolerate concurrent Consume calls.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events. Hub satisfies this so pipeline stages
// stay agnostic about buffering.
type Emitter interface {
	Emit(evt Event)
}
