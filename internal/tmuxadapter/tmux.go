// Package tmuxadapter wraps the tmux CLI via subprocess for the fleet
// monitor's single point of contact with the outside world (spec §4.1).
// Every call shells out to the tmux binary and classifies failures into
// transient or permanent so callers (the pool, the health checker) can
// decide whether to retry.
package tmuxadapter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/fleetwatch/fleetwatch/internal/defaults"
	"github.com/fleetwatch/fleetwatch/internal/model"
)

// Sentinel errors mirroring the shape of a tmux server's failure modes.
var (
	ErrNoServer        = errors.New("no tmux server running")
	ErrSessionNotFound = errors.New("session not found")
	ErrWindowNotFound  = errors.New("window not found")
)

// Kind distinguishes errors a caller should retry from ones it should not.
type Kind uint8

const (
	// KindPermanent means the target is gone or the call is malformed;
	// retrying will not help.
	KindPermanent Kind = iota
	// KindTransient means the tmux server or adapter was momentarily
	// unavailable; a retry may succeed.
	KindTransient
)

// AdapterError classifies a failed tmux call (spec §4.1, §4.8).
type AdapterError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("tmuxadapter: %s: %v", e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// IsTransient reports whether err is an AdapterError of KindTransient.
func IsTransient(err error) bool {
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae.Kind == KindTransient
	}
	return false
}

// Adapter executes tmux operations for one logical connection. Adapter
// values are pooled by internal/pool; each call is independently timed
// out and does not hold process-wide state.
type Adapter struct {
	callTimeout time.Duration
	runner      commandRunner
	createdAt   time.Time
	poisoned    bool
}

// commandRunner abstracts process execution so tests can substitute a
// fake without shelling out to a real tmux binary, following the
// teacher's narrow-interface-plus-fake testing idiom.
type commandRunner interface {
	Run(ctx context.Context, args ...string) (stdout string, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "tmux", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		return "", classify(err, stderr.String(), args)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// New creates an Adapter that shells out to the real tmux binary.
func New(callTimeout time.Duration) *Adapter {
	if callTimeout <= 0 {
		callTimeout = defaults.AdapterCallTimeout
	}
	return &Adapter{callTimeout: callTimeout, runner: execRunner{}, createdAt: time.Now()}
}

func classify(err error, stderr string, args []string) error {
	stderr = strings.TrimSpace(stderr)
	op := "tmux"
	if len(args) > 0 {
		op = args[0]
	}

	switch {
	case strings.Contains(stderr, "no server running"), strings.Contains(stderr, "error connecting to"):
		return &AdapterError{Kind: KindTransient, Op: op, Err: ErrNoServer}
	case strings.Contains(stderr, "can't find session"), strings.Contains(stderr, "session not found"):
		return &AdapterError{Kind: KindPermanent, Op: op, Err: ErrSessionNotFound}
	case strings.Contains(stderr, "can't find window"):
		return &AdapterError{Kind: KindPermanent, Op: op, Err: ErrWindowNotFound}
	case stderr != "":
		return &AdapterError{Kind: KindPermanent, Op: op, Err: errors.New(stderr)}
	default:
		return &AdapterError{Kind: KindTransient, Op: op, Err: err}
	}
}

func (a *Adapter) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.callTimeout)
	defer cancel()
	out, err := a.runner.Run(ctx, args...)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", &AdapterError{Kind: KindTransient, Op: firstArg(args), Err: ctx.Err()}
		}
		return "", err
	}
	return out, nil
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return "tmux"
	}
	return args[0]
}

// Poisoned reports whether this adapter instance hit a transient failure
// and should be discarded by the pool rather than reused (spec §4.2).
func (a *Adapter) Poisoned() bool { return a.poisoned }

func (a *Adapter) markPoisonedOnTransient(err error) {
	if IsTransient(err) {
		a.poisoned = true
	}
}

// ListTargets enumerates every window across every session, in
// (session, window) order (spec §4.1, §4.4).
func (a *Adapter) ListTargets(ctx context.Context) ([]model.Target, error) {
	out, err := a.run(ctx, "list-windows", "-a", "-F", "#{session_name}:#{window_index}")
	if err != nil {
		a.markPoisonedOnTransient(err)
		if errors.Is(err, ErrNoServer) {
			return nil, nil
		}
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	lines := strings.Split(out, "\n")
	targets := make([]model.Target, 0, len(lines))
	for _, line := range lines {
		if line == "" {
			continue
		}
		t, err := model.ParseTarget(line)
		if err != nil {
			continue // malformed session/window names are skipped, not fatal
		}
		targets = append(targets, t)
	}
	sortTargets(targets)
	return targets, nil
}

func sortTargets(targets []model.Target) {
	for i := 1; i < len(targets); i++ {
		for j := i; j > 0 && targets[j].Less(targets[j-1]); j-- {
			targets[j], targets[j-1] = targets[j-1], targets[j]
		}
	}
}

// Capture returns the sanitized text of the pane's last N lines along
// with its content hash, used both for role classification and for the
// crash detector's idle-content comparison (spec §4.1, §4.4, §4.5).
func (a *Adapter) Capture(ctx context.Context, target model.Target, lines int) (model.PaneSnapshot, error) {
	if lines <= 0 {
		lines = defaults.CaptureLines
	}
	out, err := a.run(ctx, "capture-pane", "-p", "-t", target.String(), "-S", fmt.Sprintf("-%d", lines))
	if err != nil {
		a.markPoisonedOnTransient(err)
		return model.PaneSnapshot{}, err
	}
	clean, err := sanitizeUTF8(out)
	if err != nil {
		return model.PaneSnapshot{}, &AdapterError{Kind: KindPermanent, Op: "capture-pane", Err: err}
	}
	return model.PaneSnapshot{
		Target:     target,
		Text:       clean,
		Hash:       xxhash.Sum64String(clean),
		CapturedAt: time.Now(),
	}, nil
}

// sanitizeUTF8 runs tmux's raw capture output through a UTF-8 transform
// so malformed byte sequences (truncated multi-byte runes from mid-draw
// captures) never reach the classifier or the persisted record (spec §6).
func sanitizeUTF8(s string) (string, error) {
	t := unicode.UTF8.NewDecoder()
	out, _, err := transform.String(t, s)
	if err != nil {
		return "", fmt.Errorf("sanitizing pane content: %w", err)
	}
	return out, nil
}

// Send types literal text into the target pane, waits the configured
// settle delay, then sends Enter as a separate call. Splitting paste
// from Enter defeats terminal debouncing that can otherwise swallow the
// newline (spec §4.1).
func (a *Adapter) Send(ctx context.Context, target model.Target, text string, settleDelay time.Duration) error {
	if settleDelay <= 0 {
		settleDelay = defaults.KeystrokeSettleDelay
	}
	if _, err := a.run(ctx, "send-keys", "-t", target.String(), "-l", text); err != nil {
		a.markPoisonedOnTransient(err)
		return err
	}
	time.Sleep(settleDelay)
	if _, err := a.run(ctx, "send-keys", "-t", target.String(), "Enter"); err != nil {
		a.markPoisonedOnTransient(err)
		return err
	}
	return nil
}

// Spawn creates a new window named windowName in session running
// command, returning its target. Used by PmRecovery to relaunch a
// crashed project manager in a window named "pm" (spec §4.9).
func (a *Adapter) Spawn(ctx context.Context, session, windowName, command string) (model.Target, error) {
	out, err := a.run(ctx, "new-window", "-t", session, "-n", windowName, "-P", "-F", "#{window_index}", command)
	if err != nil {
		a.markPoisonedOnTransient(err)
		return model.Target{}, err
	}
	idx, convErr := strconv.Atoi(strings.TrimSpace(out))
	if convErr != nil {
		return model.Target{}, &AdapterError{Kind: KindPermanent, Op: "new-window", Err: convErr}
	}
	return model.Target{Session: session, Window: idx}, nil
}

// SessionExists reports whether session is present on the tmux server.
func (a *Adapter) SessionExists(ctx context.Context, session string) (bool, error) {
	_, err := a.run(ctx, "has-session", "-t", session)
	if err != nil {
		a.markPoisonedOnTransient(err)
		if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrNoServer) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Age reports how long this adapter instance has been alive, used by the
// pool's max-total-age eviction policy (spec §4.2).
func (a *Adapter) Age() time.Duration { return time.Since(a.createdAt) }
