package actuation

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/mkoga/stallmux/internal/config"
	"github.com/mkoga/stallmux/internal/model"
)

type runnerCall struct {
	name string
	args []string
}

type fakeRunner struct {
	calls []runnerCall
	err   error
}

func (r *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	r.calls = append(r.calls, runnerCall{name: name, args: args})
	if r.err != nil {
		return []byte("no such pane"), r.err
	}
	return nil, nil
}

func localTarget() model.Target {
	return model.Target{
		TargetID: "t1",
		Kind:     model.TargetKindLocal,
		PaneRef:  "work:0.1",
	}
}

func commandLines(calls []runnerCall) []string {
	out := make([]string, 0, len(calls))
	for _, c := range calls {
		out = append(out, c.name+" "+strings.Join(c.args, " "))
	}
	return out
}

func TestTmuxSenderNudgeSendsLiteralThenEnter(t *testing.T) {
	runner := &fakeRunner{}
	s := NewTmuxSenderWithRunner(config.DefaultConfig(), runner)

	if err := s.SendAction(context.Background(), localTarget(), model.StrategyNudge, "status check please"); err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}
	want := []string{
		"tmux send-keys -t work:0.1 -l status check please",
		"tmux send-keys -t work:0.1 Enter",
	}
	if got := commandLines(runner.calls); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestTmuxSenderResetClearsPromptFirst(t *testing.T) {
	runner := &fakeRunner{}
	s := NewTmuxSenderWithRunner(config.DefaultConfig(), runner)

	if err := s.SendAction(context.Background(), localTarget(), model.StrategyResetSession, "restarting your session"); err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}
	want := []string{
		"tmux send-keys -t work:0.1 C-c",
		"tmux send-keys -t work:0.1 -l restarting your session",
		"tmux send-keys -t work:0.1 Enter",
	}
	if got := commandLines(runner.calls); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestTmuxSenderEmergencySequence(t *testing.T) {
	runner := &fakeRunner{}
	s := NewTmuxSenderWithRunner(config.DefaultConfig(), runner)

	if err := s.SendAction(context.Background(), localTarget(), model.StrategyEmergencyOverride, "manual takeover"); err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}
	want := []string{
		"tmux send-keys -t work:0.1 Escape",
		"tmux send-keys -t work:0.1 C-c",
		"tmux send-keys -t work:0.1 -l manual takeover",
		"tmux send-keys -t work:0.1 Enter",
	}
	if got := commandLines(runner.calls); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestTmuxSenderSSHWrapsTmuxCommand(t *testing.T) {
	runner := &fakeRunner{}
	s := NewTmuxSenderWithRunner(config.DefaultConfig(), runner)
	target := model.Target{
		TargetID:      "t2",
		Kind:          model.TargetKindSSH,
		ConnectionRef: "build-02",
		PaneRef:       "agents:1.0",
	}

	if err := s.SendAction(context.Background(), target, model.StrategyNudge, "ping"); err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}
	if len(runner.calls) == 0 {
		t.Fatalf("no commands issued")
	}
	first := runner.calls[0]
	if first.name != "ssh" {
		t.Fatalf("expected ssh, got %s", first.name)
	}
	line := strings.Join(first.args, " ")
	for _, want := range []string{"BatchMode=yes", "ConnectTimeout=3", "ControlMaster=auto", "build-02", "tmux send-keys -t agents:1.0"} {
		if !strings.Contains(line, want) {
			t.Fatalf("ssh command missing %q: %s", want, line)
		}
	}
}

func TestTmuxSenderRejectsEmptyPaneRef(t *testing.T) {
	s := NewTmuxSenderWithRunner(config.DefaultConfig(), &fakeRunner{})
	target := localTarget()
	target.PaneRef = "  "
	if err := s.SendAction(context.Background(), target, model.StrategyNudge, "ping"); err == nil {
		t.Fatalf("expected error for empty pane_ref")
	}
}

func TestTmuxSenderRejectsOptionLookingConnectionRef(t *testing.T) {
	runner := &fakeRunner{}
	s := NewTmuxSenderWithRunner(config.DefaultConfig(), runner)
	target := model.Target{
		TargetID:      "t3",
		Kind:          model.TargetKindSSH,
		ConnectionRef: "-oProxyCommand=evil",
		PaneRef:       "agents:1.0",
	}
	if err := s.SendAction(context.Background(), target, model.StrategyNudge, "ping"); err == nil {
		t.Fatalf("expected error for option-looking connection_ref")
	}
	if len(runner.calls) != 0 {
		t.Fatalf("rejected ref must not reach the runner")
	}
}

func TestTmuxSenderWrapsRunnerFailure(t *testing.T) {
	runner := &fakeRunner{err: errors.New("exit status 1")}
	s := NewTmuxSenderWithRunner(config.DefaultConfig(), runner)

	err := s.SendAction(context.Background(), localTarget(), model.StrategyNudge, "ping")
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), model.ErrTargetUnreachable) {
		t.Fatalf("expected %s in error, got: %v", model.ErrTargetUnreachable, err)
	}
	if !strings.Contains(err.Error(), "no such pane") {
		t.Fatalf("expected runner output in error, got: %v", err)
	}
}
