package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/polisai/panelflow/pkg/engine/runtime"
	"github.com/polisai/panelflow/pkg/telemetry"
)

// Config tunes a Bus.
type Config struct {
	// BufferSize is the per-subscriber channel capacity. Zero means 64.
	BufferSize int
	// HistorySize is the number of envelopes kept for replay. Zero means 256.
	HistorySize int
	// KeepAlive is the interval between SSE comment frames. Zero means 15s.
	KeepAlive time.Duration

	Metrics *telemetry.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

// Bus fans pipeline callbacks out to subscribers. Publishing never blocks: a
// subscriber whose buffer is full misses the event.
type Bus struct {
	cfg Config

	mu      sync.Mutex
	seq     uint64
	nextSub uint64
	subs    map[uint64]chan Envelope
	history *ringBuffer
}

var _ runtime.Observer = (*Bus)(nil)

// NewBus creates a Bus.
func NewBus(cfg Config) *Bus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 64
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 15 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Bus{
		cfg:     cfg,
		subs:    make(map[uint64]chan Envelope),
		history: newRingBuffer(cfg.HistorySize),
	}
}

// Publish stamps ev and delivers it to every subscriber.
func (b *Bus) Publish(ev Event) Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	env := Envelope{
		ID:        uuid.NewString(),
		Sequence:  b.seq,
		Timestamp: b.cfg.Now().UTC(),
		Event:     ev,
	}
	b.history.add(env)

	for id, ch := range b.subs {
		select {
		case ch <- env:
		default:
			b.cfg.Metrics.RecordEventDropped()
			b.cfg.Logger.Warn("dropping event for slow subscriber",
				"subscriber", id,
				"sequence", env.Sequence,
				"type", string(ev.Type),
			)
		}
	}
	return env
}

// Subscribe returns a channel receiving every envelope published from now on,
// preceded by the buffered envelopes with a sequence greater than after. The
// returned function unsubscribes and closes the channel.
func (b *Bus) Subscribe(after uint64) (<-chan Envelope, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var replay []Envelope
	if after > 0 {
		replay = b.history.after(after)
	}
	ch := make(chan Envelope, b.cfg.BufferSize+len(replay))
	for _, env := range replay {
		ch <- env
	}

	b.nextSub++
	id := b.nextSub
	b.subs[id] = ch
	b.cfg.Metrics.SubscriberAdded()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
			b.cfg.Metrics.SubscriberRemoved()
		})
	}
}

// Subscribers returns the number of active subscribers.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// OnStepStart publishes a step-start event.
func (b *Bus) OnStepStart(e runtime.StepStart) {
	b.Publish(stepStartEvent(e))
}

// OnStepComplete publishes a step-complete event.
func (b *Bus) OnStepComplete(e runtime.StepResult) {
	b.Publish(stepCompleteEvent(e))
}

// OnStepFail publishes a step-fail event.
func (b *Bus) OnStepFail(e runtime.StepFailure) {
	b.Publish(stepFailEvent(e))
}

// OnPipelineComplete publishes a pipeline-complete event.
func (b *Bus) OnPipelineComplete(runID string) {
	b.Publish(Event{Type: TypePipelineComplete, RunID: runID})
}

// OnPipelineFail publishes a pipeline-fail event.
func (b *Bus) OnPipelineFail(runID string, err error) {
	b.Publish(pipelineFailEvent(runID, err))
}
