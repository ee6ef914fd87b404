package actuation

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/mkoga/stallmux/internal/config"
	"github.com/mkoga/stallmux/internal/model"
)

// Sender performs one atomic actuation against the shared automation
// surface. Implementations must be safe to call from the queue worker
// only; serialization is the queue's job.
type Sender interface {
	SendAction(ctx context.Context, target model.Target, strategy model.Strategy, payload string) error
}

type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type OSRunner struct{}

func (OSRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}

// TmuxSender injects rescue input into a target's tmux pane, locally or
// over ssh. Harder strategies clear the pane's pending input before the
// message so the injected text lands on a fresh prompt.
type TmuxSender struct {
	cfg    config.Config
	runner Runner
}

func NewTmuxSender(cfg config.Config) *TmuxSender {
	return &TmuxSender{cfg: cfg, runner: OSRunner{}}
}

func NewTmuxSenderWithRunner(cfg config.Config, runner Runner) *TmuxSender {
	s := NewTmuxSender(cfg)
	s.runner = runner
	return s
}

func (s *TmuxSender) SendAction(ctx context.Context, target model.Target, strategy model.Strategy, payload string) error {
	pane := strings.TrimSpace(target.PaneRef)
	if pane == "" {
		return fmt.Errorf("target %s has no pane_ref", target.TargetID)
	}
	for _, cmd := range keySequence(pane, strategy, payload) {
		if err := s.run(ctx, target, cmd); err != nil {
			return err
		}
	}
	return nil
}

func (s *TmuxSender) run(ctx context.Context, target model.Target, command []string) error {
	runCtx, cancel := context.WithTimeout(ctx, s.cfg.CommandTimeout)
	defer cancel()

	var (
		out []byte
		err error
	)
	switch target.Kind {
	case model.TargetKindLocal:
		out, err = s.runner.Run(runCtx, command[0], command[1:]...)
	case model.TargetKindSSH:
		args, argErr := s.buildSSHArgs(target.ConnectionRef, command)
		if argErr != nil {
			return argErr
		}
		out, err = s.runner.Run(runCtx, "ssh", args...)
	default:
		return fmt.Errorf("unsupported target kind: %s", target.Kind)
	}
	if err != nil {
		return fmt.Errorf("%s: %s: %w (%s)", model.ErrTargetUnreachable, target.TargetID, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (s *TmuxSender) buildSSHArgs(connectionRef string, command []string) ([]string, error) {
	ref := strings.TrimSpace(connectionRef)
	if ref == "" {
		return nil, fmt.Errorf("ssh target connection_ref is required")
	}
	if strings.HasPrefix(ref, "-") {
		return nil, fmt.Errorf("invalid ssh target connection_ref")
	}
	args := []string{
		"-o", "BatchMode=yes",
		"-o", fmt.Sprintf("ConnectTimeout=%d", int(s.cfg.ConnectTimeout.Seconds())),
		"-o", "ControlMaster=auto",
		"-o", "ControlPersist=60",
		ref,
	}
	args = append(args, command...)
	return args, nil
}

// keySequence renders a strategy into an ordered list of tmux commands.
// The payload itself is sent literally (-l) so tmux key names inside the
// message are not interpreted.
func keySequence(pane string, strategy model.Strategy, payload string) [][]string {
	var cmds [][]string
	switch strategy {
	case model.StrategyResetSession:
		cmds = append(cmds, sendKeys(pane, "C-c"))
	case model.StrategyEmergencyOverride:
		cmds = append(cmds, sendKeys(pane, "Escape"))
		cmds = append(cmds, sendKeys(pane, "C-c"))
	}
	if payload != "" {
		cmds = append(cmds, sendLiteral(pane, payload))
	}
	cmds = append(cmds, sendKeys(pane, "Enter"))
	return cmds
}

func sendKeys(pane string, keys ...string) []string {
	cmd := []string{"tmux", "send-keys", "-t", pane}
	return append(cmd, keys...)
}

func sendLiteral(pane, text string) []string {
	return []string{"tmux", "send-keys", "-t", pane, "-l", text}
}
