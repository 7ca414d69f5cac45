// Package hooks dispatches the three server-side hook points a push
// transaction runs through: pre-receive (whole-transaction veto),
// update (per-ref veto), and post-receive (notification only). The
// invocation contract — CWD, stdin, argv, push-option environment
// variables, per-hook timeout with kill-on-timeout — is grounded on
// spec.md's own §4.9, since no example repository executes git hooks
// (grafana-nanogit is a client; the other pack repos only read/write
// objects). The process-invocation idiom itself (exec.CommandContext,
// setting Dir/Env, capturing combined output) is grounded on
// grafana-nanogit/testutil/repo.go's git-subprocess helper, generalized
// from a fixed test helper to a timeout-bounded, logged dispatch.
package hooks

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/forgecellar/gitcore/giterrors"
	"github.com/forgecellar/gitcore/gitlog"
	"github.com/forgecellar/gitcore/hash"
)

// Kind names one of the three hook points.
type Kind string

const (
	PreReceive  Kind = "pre-receive"
	Update      Kind = "update"
	PostReceive Kind = "post-receive"
)

// DefaultTimeout bounds how long a single hook invocation may run before
// being killed and treated as a failure.
const DefaultTimeout = 30 * time.Second

// RefUpdate is one queued ref change, used to build the pre-receive/
// post-receive stdin lines and the update hook's argv.
type RefUpdate struct {
	Name string
	Old  hash.OID
	New  hash.OID
}

// Dispatcher runs the hooks found in a repository's hooks directory.
type Dispatcher struct {
	hooksDir    string
	repoRoot    string
	timeout     time.Duration
	pushOptions []string
	identity    string
	logger      gitlog.Logger
}

// Options configures a Dispatcher.
type Options struct {
	HooksDir    string
	RepoRoot    string
	Timeout     time.Duration
	PushOptions []string
	Identity    string
	Logger      gitlog.Logger
}

// NewDispatcher builds a Dispatcher from opts, filling in defaults.
func NewDispatcher(opts Options) *Dispatcher {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = gitlog.NoOp
	}
	return &Dispatcher{
		hooksDir:    opts.HooksDir,
		repoRoot:    opts.RepoRoot,
		timeout:     timeout,
		pushOptions: opts.PushOptions,
		identity:    opts.Identity,
		logger:      logger,
	}
}

func (d *Dispatcher) hookPath(kind Kind) string {
	return filepath.Join(d.hooksDir, string(kind))
}

// installed reports whether an executable hook exists for kind. A
// missing hook is not an error; it simply runs nothing.
func (d *Dispatcher) installed(kind Kind) bool {
	info, err := osStat(d.hookPath(kind))
	return err == nil && !info.IsDir() && info.Mode()&0o111 != 0
}

// run executes one hook invocation, killing it and returning an error if
// it outruns d.timeout or exits non-zero. stdout/stderr are captured and
// logged, never parsed as protocol data.
func (d *Dispatcher) run(ctx context.Context, kind Kind, args []string, stdin []byte) error {
	if !d.installed(kind) {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, d.hookPath(kind), args...)
	cmd.Dir = d.repoRoot
	cmd.Stdin = bytes.NewReader(stdin)
	cmd.Env = d.environ()

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	d.logger.Debug("hook finished", "kind", string(kind), "output", out.String())

	if ctx.Err() != nil {
		d.logger.Error("hook timed out", "kind", string(kind), "timeout", d.timeout.String())
		return fmt.Errorf("%w: %s timed out after %s", giterrors.ErrHookRejected, kind, d.timeout)
	}
	if err != nil {
		d.logger.Warn("hook rejected", "kind", string(kind), "error", err.Error(), "output", out.String())
		return fmt.Errorf("%w: %s: %s", giterrors.ErrHookRejected, kind, firstLine(out.String()))
	}
	return nil
}

func (d *Dispatcher) environ() []string {
	env := osEnviron()
	env = append(env, fmt.Sprintf("GIT_PUSH_OPTION_COUNT=%d", len(d.pushOptions)))
	for i, opt := range d.pushOptions {
		env = append(env, fmt.Sprintf("GIT_PUSH_OPTION_%d=%s", i, opt))
	}
	if d.identity != "" {
		env = append(env, "GIT_PUSHER_IDENTITY="+d.identity)
	}
	return env
}

func updateStdin(updates []RefUpdate) []byte {
	var buf bytes.Buffer
	for _, u := range updates {
		fmt.Fprintf(&buf, "%s %s %s\n", u.Old.String(), u.New.String(), u.Name)
	}
	return buf.Bytes()
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}

// PreReceive runs the pre-receive hook once for the whole batch of
// updates. A non-zero exit vetoes the entire transaction.
func (d *Dispatcher) PreReceive(ctx context.Context, updates []RefUpdate) error {
	return d.run(ctx, PreReceive, nil, updateStdin(updates))
}

// Update runs the update hook once per ref, each invocation able to veto
// only its own ref.
func (d *Dispatcher) Update(ctx context.Context, u RefUpdate) error {
	return d.run(ctx, Update, []string{u.Name, u.Old.String(), u.New.String()}, nil)
}

// PostReceive runs the post-receive hook after a successful commit.
// Its failure is logged but never vetoes anything, since the
// transaction has already landed.
func (d *Dispatcher) PostReceive(ctx context.Context, updates []RefUpdate) {
	if err := d.run(ctx, PostReceive, nil, updateStdin(updates)); err != nil {
		d.logger.Warn("post-receive hook failed", "error", err.Error())
	}
}
