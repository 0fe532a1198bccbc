package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/xraph/taskhost/activation"
	"github.com/xraph/taskhost/engine"
)

// Built-in handler names usable as item_type / state_type in the config.
const (
	handlerLog  = "log"
	handlerNoop = "noop"
)

// logHandler logs every work item, and every scheduled firing with a run
// counter kept in the job's state.
type logHandler struct {
	logger *slog.Logger
}

type logState struct {
	Runs    int       `json:"runs"`
	LastRun time.Time `json:"last_run"`
}

func (h *logHandler) Process(ctx context.Context, payload json.RawMessage) error {
	h.logger.InfoContext(ctx, "work item", slog.String("payload", string(payload)))
	return nil
}

func (h *logHandler) Run(ctx context.Context, state json.RawMessage) (json.RawMessage, error) {
	var st logState
	if len(state) > 0 {
		if err := json.Unmarshal(state, &st); err != nil {
			h.logger.WarnContext(ctx, "discarding unreadable job state", slog.String("error", err.Error()))
			st = logState{}
		}
	}
	st.Runs++
	st.LastRun = time.Now().UTC()

	h.logger.InfoContext(ctx, "scheduled job fired", slog.Int("runs", st.Runs))
	return json.Marshal(st)
}

// noopHandler accepts everything and keeps job state unchanged.
type noopHandler struct{}

func (noopHandler) Process(context.Context, json.RawMessage) error { return nil }

func (noopHandler) Run(_ context.Context, state json.RawMessage) (json.RawMessage, error) {
	return state, nil
}

var (
	_ engine.QueueHandler[json.RawMessage]     = (*logHandler)(nil)
	_ engine.ScheduledHandler[json.RawMessage] = (*logHandler)(nil)
	_ engine.QueueHandler[json.RawMessage]     = noopHandler{}
	_ engine.ScheduledHandler[json.RawMessage] = noopHandler{}
)

// registerBuiltins adds the built-in handlers to o's registry, so queues
// and jobs from the config can name them.
func registerBuiltins(o *engine.Orchestrator, logger *slog.Logger) error {
	err := activation.Register(o.Handlers(), handlerLog, func(*activation.Scope) (*logHandler, error) {
		return &logHandler{logger: logger}, nil
	})
	if err != nil {
		return err
	}
	return activation.Register(o.Handlers(), handlerNoop, func(*activation.Scope) (noopHandler, error) {
		return noopHandler{}, nil
	})
}
