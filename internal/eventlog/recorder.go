// Package eventlog асинхронно записывает журнал событий движка скидок.
// Ошибки записи только логируются и никогда не возвращаются вызывающему.
package eventlog

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/loyalty-engine/internal/model"
)

const (
	defaultQueueSize = 256
	writeTimeout     = 5 * time.Second
)

// Store описывает хранилище журнала событий.
type Store interface {
	CreateEvent(ctx context.Context, ev model.Event) error
}

// Recorder ставит события в очередь и пишет их в Store в отдельной горутине.
type Recorder struct {
	store  Store
	logger *zap.Logger
	queue  chan model.Event
	now    func() time.Time
}

// NewRecorder создаёт Recorder с очередью на queueSize событий.
func NewRecorder(store Store, logger *zap.Logger, queueSize int) *Recorder {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		store:  store,
		logger: logger,
		queue:  make(chan model.Event, queueSize),
		now:    time.Now,
	}
}

// Emit ставит событие в очередь без блокировки. При переполненной очереди
// событие отбрасывается с предупреждением в логе.
func (r *Recorder) Emit(_ context.Context, ev model.Event) {
	ev.Message = model.TruncateText(ev.Message, model.MaxEventMessageLen)
	ev.Code = model.TruncateText(ev.Code, model.MaxEventCodeLen)
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = r.now()
	}

	select {
	case r.queue <- ev:
	default:
		r.logger.Warn("event queue is full, dropping event",
			zap.String("type", string(ev.Type)),
			zap.String("code", ev.Code),
		)
	}
}

// Run пишет события из очереди до отмены ctx, после чего дописывает остаток очереди.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			r.drain()
			return nil
		case ev := <-r.queue:
			r.write(ctx, ev)
		}
	}
}

func (r *Recorder) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	for {
		select {
		case ev := <-r.queue:
			r.write(ctx, ev)
		default:
			return
		}
	}
}

func (r *Recorder) write(ctx context.Context, ev model.Event) {
	if err := r.store.CreateEvent(ctx, ev); err != nil {
		r.logger.Error("failed to write event",
			zap.String("type", string(ev.Type)),
			zap.String("code", ev.Code),
			zap.Error(err),
		)
	}
}
