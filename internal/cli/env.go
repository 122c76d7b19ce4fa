package cli

import (
	"context"
	"log/slog"
	"time"

	"github.com/opensha/aafs/internal/config"
	"github.com/opensha/aafs/internal/engine"
	"github.com/opensha/aafs/internal/store"
)

// Version is the software version reported in the server status. Release
// builds set it with -ldflags "-X github.com/opensha/aafs/internal/cli.Version=...".
var Version = "dev"

// env is the configuration and database a command works on.
type env struct {
	config *config.Holder
	store  *store.Store
}

func openEnv(o *RootOptions) (*env, error) {
	holder, err := config.NewHolder(o.Config)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	path := o.Database
	if path == "" {
		path = holder.Current().Server.DBPath
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return &env{config: holder, store: st}, nil
}

func (e *env) Close() {
	if err := e.store.Close(); err != nil {
		slog.Error("error closing database", "error", err)
	}
}

func (e *env) queue() *engine.TaskQueue {
	return engine.NewTaskQueue(e.store)
}

// submitControl queues a task due now. A running server picks it up at its
// next idle pass.
func (e *env) submitControl(ctx context.Context, op engine.Opcode, eventID string, p engine.Payload) (int64, error) {
	now := time.Now().UnixMilli()
	task, err := engine.NewTask(op, eventID, now, now, newSubmitID(), p)
	if err != nil {
		return 0, WrapExitError(ExitFailure, "failed to build task", err)
	}
	id, err := e.queue().Submit(ctx, task)
	if err != nil {
		return 0, WrapExitError(ExitFailure, "failed to submit task", err)
	}
	return id, nil
}

func newSubmitID() string {
	return "cli-" + engine.UUIDv7Generator{}.Generate()
}

func formatMillis(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}
