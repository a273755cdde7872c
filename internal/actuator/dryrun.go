package actuator

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// maxRecorded bounds the dry-run call history.
const maxRecorded = 256

// Call is one recorded dry-run actuation.
type Call struct {
	Primitive Primitive
	Arg       string
}

// DryRun logs each primitive instead of touching the UI.
type DryRun struct {
	logger *zap.Logger

	mu    sync.Mutex
	calls []Call
}

// NewDryRun creates a dry-run actuator.
func NewDryRun(logger *zap.Logger) *DryRun {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DryRun{logger: logger}
}

func (d *DryRun) SendText(_ context.Context, text string) error {
	d.record(PrimitiveSendText, text)
	return nil
}

func (d *DryRun) SendContinue(context.Context) error {
	d.record(PrimitiveSendContinue, "")
	return nil
}

func (d *DryRun) NewConversation(context.Context) error {
	d.record(PrimitiveNewConversation, "")
	return nil
}

func (d *DryRun) PressKey(_ context.Context, key string) error {
	d.record(PrimitivePressKey, key)
	return nil
}

// Calls returns a copy of every recorded actuation.
func (d *DryRun) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Call, len(d.calls))
	copy(out, d.calls)
	return out
}

func (d *DryRun) record(p Primitive, arg string) {
	d.mu.Lock()
	d.calls = append(d.calls, Call{Primitive: p, Arg: arg})
	if len(d.calls) > maxRecorded {
		d.calls = d.calls[len(d.calls)-maxRecorded:]
	}
	d.mu.Unlock()

	preview := arg
	if len(preview) > 80 {
		preview = preview[:80] + "..."
	}
	d.logger.Info("dry-run actuation", zap.String("primitive", string(p)), zap.String("arg", preview))
}
