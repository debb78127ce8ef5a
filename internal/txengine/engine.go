// Package txengine executes named, resumable step sequences for financial
// operations. Progress is checkpointed to the durable state container after
// every step, so a killed context resumes exactly at the first step whose
// effects have not happened yet. A record exists for a name if and only if
// that transaction is in flight; deleting the record is the only way a
// transaction reaches its terminal state.
package txengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alexanvl/spankchain-vynos-sub000/internal/statestore"
)

var (
	ErrAlreadyInProgress = errors.New("transaction already in progress")
	ErrMisconfigured     = errors.New("transaction is misconfigured")
)

const recordKeyPrefix = "txn/"

// Step consumes the previous step's output and produces the next step's
// input. Step outputs must be JSON-marshaled already: they are persisted
// verbatim as the resume point.
type Step func(ctx context.Context, args []json.RawMessage) ([]json.RawMessage, error)

// Record is the persisted resume point for one named transaction.
type Record struct {
	NextStepIndex int               `json:"next_step_index"`
	NextStepArgs  []json.RawMessage `json:"next_step_args"`
}

type Config struct {
	Name  string
	Store *statestore.Store
	Steps []Step

	// OnStart and OnRestart are optional bookkeeping hooks. AfterAll is
	// required and runs after every terminal outcome, success or failure,
	// once the record has been deleted; UI "in progress" flags are cleared
	// there so they can never be left stuck.
	OnStart   func()
	OnRestart func()
	AfterAll  func()

	Logger *slog.Logger
}

type Transaction struct {
	cfg Config
	key string
}

func New(cfg Config) (*Transaction, error) {
	if strings.TrimSpace(cfg.Name) == "" {
		return nil, fmt.Errorf("%w: name is required", ErrMisconfigured)
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrMisconfigured)
	}
	if len(cfg.Steps) == 0 {
		return nil, fmt.Errorf("%w: at least one step is required", ErrMisconfigured)
	}
	if cfg.AfterAll == nil {
		return nil, fmt.Errorf("%w: AfterAll hook is required", ErrMisconfigured)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Transaction{cfg: cfg, key: recordKeyPrefix + cfg.Name}, nil
}

func (t *Transaction) Name() string {
	return t.cfg.Name
}

// InProgress reports whether a persisted record exists for this name.
func (t *Transaction) InProgress() bool {
	return t.cfg.Store.Has(t.key)
}

// Start begins a fresh run. Flows with several trigger sources must check
// InProgress first; a second Start while a record exists fails with
// ErrAlreadyInProgress rather than racing the persisted state.
func (t *Transaction) Start(ctx context.Context, args ...any) ([]json.RawMessage, error) {
	if t.InProgress() {
		return nil, fmt.Errorf("transaction %q: %w", t.cfg.Name, ErrAlreadyInProgress)
	}
	raw, err := MarshalArgs(args...)
	if err != nil {
		return nil, fmt.Errorf("transaction %q: %w", t.cfg.Name, err)
	}
	if err := t.cfg.Store.Put(t.key, Record{NextStepIndex: 0, NextStepArgs: raw}); err != nil {
		return nil, fmt.Errorf("transaction %q: %w", t.cfg.Name, err)
	}
	if t.cfg.OnStart != nil {
		t.cfg.OnStart()
	}
	t.cfg.Logger.Info("transaction started", "name", t.cfg.Name, "steps", len(t.cfg.Steps))
	return t.run(ctx, 0, raw)
}

// Restart resumes from the persisted record. Without a record it is a no-op
// and OnRestart is not invoked.
func (t *Transaction) Restart(ctx context.Context) ([]json.RawMessage, error) {
	var rec Record
	ok, err := t.cfg.Store.Get(t.key, &rec)
	if err != nil {
		return nil, fmt.Errorf("transaction %q: %w", t.cfg.Name, err)
	}
	if !ok {
		return nil, nil
	}
	if rec.NextStepIndex < 0 || rec.NextStepIndex >= len(t.cfg.Steps) {
		// The step list shrank between releases; the record cannot be
		// resumed, only cleared.
		t.finish()
		return nil, fmt.Errorf("transaction %q: resume index %d out of range", t.cfg.Name, rec.NextStepIndex)
	}
	if t.cfg.OnRestart != nil {
		t.cfg.OnRestart()
	}
	t.cfg.Logger.Info("transaction resumed", "name", t.cfg.Name, "next_step", rec.NextStepIndex)
	return t.run(ctx, rec.NextStepIndex, rec.NextStepArgs)
}

func (t *Transaction) run(ctx context.Context, index int, args []json.RawMessage) ([]json.RawMessage, error) {
	cur := args
	for i := index; i < len(t.cfg.Steps); i++ {
		out, err := t.cfg.Steps[i](ctx, cur)
		if err != nil {
			t.finish()
			return nil, fmt.Errorf("transaction %q step %d: %w", t.cfg.Name, i, err)
		}
		if i == len(t.cfg.Steps)-1 {
			t.finish()
			return out, nil
		}
		// The checkpoint moves to i+1 before step i+1 runs. A crash in
		// between resumes at the step whose effects have not happened yet,
		// never one that already ran.
		if err := t.cfg.Store.Put(t.key, Record{NextStepIndex: i + 1, NextStepArgs: out}); err != nil {
			t.finish()
			return nil, fmt.Errorf("transaction %q: checkpoint after step %d: %w", t.cfg.Name, i, err)
		}
		cur = out
	}
	// Unreachable: New rejects empty step lists.
	t.finish()
	return cur, nil
}

func (t *Transaction) finish() {
	if err := t.cfg.Store.Delete(t.key); err != nil {
		t.cfg.Logger.Error("transaction record delete failed", "name", t.cfg.Name, "error", err)
	}
	t.cfg.AfterAll()
}

// MarshalArgs encodes step arguments for persistence.
func MarshalArgs(args ...any) ([]json.RawMessage, error) {
	raw := make([]json.RawMessage, len(args))
	for i, arg := range args {
		b, err := json.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		raw[i] = b
	}
	return raw, nil
}

// Arg decodes the i-th step argument.
func Arg[T any](args []json.RawMessage, i int) (T, error) {
	var out T
	if i < 0 || i >= len(args) {
		return out, fmt.Errorf("argument %d is missing (have %d)", i, len(args))
	}
	if err := json.Unmarshal(args[i], &out); err != nil {
		return out, fmt.Errorf("argument %d: %w", i, err)
	}
	return out, nil
}
