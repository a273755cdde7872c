// Package actuator performs the four UI primitives the executor needs:
// typing text, sending the continue command, opening a new conversation
// and pressing a key.
package actuator

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devplan/autopilot-executor/internal/config"
	"github.com/devplan/autopilot-executor/internal/domain"
)

// Primitive names one actuation.
type Primitive string

const (
	PrimitiveSendText        Primitive = "send_text"
	PrimitiveSendContinue    Primitive = "send_continue"
	PrimitiveNewConversation Primitive = "new_conversation"
	PrimitivePressKey        Primitive = "press_key"
)

// keyPlaceholder in a press_key command line is replaced by the key name.
// Without it the key is appended as the last argument.
const keyPlaceholder = "{key}"

const (
	defaultCommandTimeout = 15 * time.Second
	outputPreview         = 200
)

// CommandSpec is the external command line for one primitive.
type CommandSpec struct {
	Primitive Primitive
	Command   string
	Args      []string
}

// Registry is a thread-safe set of command specs keyed by primitive.
type Registry struct {
	mu    sync.RWMutex
	specs map[Primitive]CommandSpec
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{specs: make(map[Primitive]CommandSpec)}
}

// Register adds a spec. A primitive can only be registered once.
func (r *Registry) Register(spec CommandSpec) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if spec.Command == "" {
		return domain.NewEngineError(domain.ErrConfigInvalid.Code,
			fmt.Sprintf("empty command for %s", spec.Primitive))
	}
	if _, exists := r.specs[spec.Primitive]; exists {
		return domain.NewEngineError(domain.ErrActuatorUnavailable.Code,
			fmt.Sprintf("%s already registered", spec.Primitive))
	}
	r.specs[spec.Primitive] = spec
	return nil
}

// Get returns the spec for p, or ErrActuatorUnavailable.
func (r *Registry) Get(p Primitive) (CommandSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	spec, ok := r.specs[p]
	if !ok {
		return CommandSpec{}, domain.ErrActuatorUnavailable
	}
	return spec, nil
}

// List returns the registered primitives in sorted order.
func (r *Registry) List() []Primitive {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Primitive, 0, len(r.specs))
	for p := range r.specs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RegistryFromConfig builds a registry from configured argv slices. Empty
// entries are skipped.
func RegistryFromConfig(cmds config.ActuatorCommands) (*Registry, error) {
	reg := NewRegistry()
	for p, argv := range map[Primitive][]string{
		PrimitiveSendText:        cmds.SendText,
		PrimitiveSendContinue:    cmds.SendContinue,
		PrimitiveNewConversation: cmds.NewConversation,
		PrimitivePressKey:        cmds.PressKey,
	} {
		if len(argv) == 0 {
			continue
		}
		if err := reg.Register(CommandSpec{Primitive: p, Command: argv[0], Args: argv[1:]}); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// Command runs an external command per primitive. Text travels on stdin.
type Command struct {
	registry     *Registry
	timeout      time.Duration
	continueText string
	logger       *zap.Logger
}

// NewCommand creates a command actuator. When send_continue has no command
// of its own, continueText is typed through send_text.
func NewCommand(reg *Registry, timeout time.Duration, continueText string, logger *zap.Logger) *Command {
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Command{registry: reg, timeout: timeout, continueText: continueText, logger: logger}
}

func (c *Command) SendText(ctx context.Context, text string) error {
	return c.run(ctx, PrimitiveSendText, text, "")
}

func (c *Command) SendContinue(ctx context.Context) error {
	if _, err := c.registry.Get(PrimitiveSendContinue); errors.Is(err, domain.ErrActuatorUnavailable) {
		return c.run(ctx, PrimitiveSendText, c.continueText, "")
	}
	return c.run(ctx, PrimitiveSendContinue, c.continueText, "")
}

func (c *Command) NewConversation(ctx context.Context) error {
	return c.run(ctx, PrimitiveNewConversation, "", "")
}

func (c *Command) PressKey(ctx context.Context, key string) error {
	return c.run(ctx, PrimitivePressKey, "", key)
}

func (c *Command) run(ctx context.Context, p Primitive, stdin, key string) error {
	spec, err := c.registry.Get(p)
	if err != nil {
		return fmt.Errorf("actuate %s: %w", p, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, spec.Command, expandArgs(spec.Args, key)...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	start := time.Now()
	out, err := cmd.CombinedOutput()
	if err != nil {
		preview := strings.TrimSpace(string(out))
		if len(preview) > outputPreview {
			preview = preview[:outputPreview]
		}
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return domain.WrapEngineError(domain.ErrActuationFailed.Code,
			fmt.Sprintf("%s via %s (output: %q)", p, spec.Command, preview), err)
	}
	c.logger.Debug("actuated",
		zap.String("primitive", string(p)),
		zap.Int("stdin_len", len(stdin)),
		zap.Duration("took", time.Since(start)))
	return nil
}

func expandArgs(args []string, key string) []string {
	if key == "" {
		return args
	}
	out := make([]string, 0, len(args)+1)
	substituted := false
	for _, a := range args {
		if strings.Contains(a, keyPlaceholder) {
			a = strings.ReplaceAll(a, keyPlaceholder, key)
			substituted = true
		}
		out = append(out, a)
	}
	if !substituted {
		out = append(out, key)
	}
	return out
}
