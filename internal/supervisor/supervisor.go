// Package supervisor implements the Supervisor Loop (C6) and, by omitting
// privilege elevation and the Cluster Lock, the Virtual Variant (C7): the
// privileged inner process that launches the display-server child, holds
// the Cluster Lock across the launch/teardown window, and multiplexes
// signal events, SSM activity and caller-liveness into a single state
// machine.
package supervisor

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vizstack/vsxd/internal/guardian"
	"github.com/vizstack/vsxd/internal/identity"
	"github.com/vizstack/vsxd/internal/lock"
	"github.com/vizstack/vsxd/internal/registry"
	"github.com/vizstack/vsxd/internal/signalfunnel"
	"github.com/vizstack/vsxd/internal/ssmproto"
	"github.com/vizstack/vsxd/internal/xconfig"
)

// State is one value of the state machine variable in the Supervisor Loop
// design.
type State int

const (
	StateInit State = iota
	StateLockHeld
	StateConfigReady
	StateChildRunning
	StateChildReady
	StateTeardown
	StateDone
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateLockHeld:
		return "LOCK_HELD"
	case StateConfigReady:
		return "CONFIG_READY"
	case StateChildRunning:
		return "CHILD_RUNNING"
	case StateChildReady:
		return "CHILD_READY"
	case StateTeardown:
		return "TEARDOWN"
	case StateDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// InitFailureExitCode is used for any fatal error before the display-server
// child is started, per §4.6: "initialization failures before the fork use
// -1 (conventionally surfaced as 255)".
const InitFailureExitCode = 255

// DefaultQuiescenceDelay is the default value of the tunable constant D
// (§4.6): the pause around lock release on readiness and around the first
// kill on teardown, present to work around driver hangs when display
// servers start or stop too close together.
const DefaultQuiescenceDelay = 5 * time.Second

// DefaultKillTimeout bounds how long teardown waits after sending TERM
// before escalating to SIGKILL. The source this design is based on has no
// such bound (a FIXME notes the gap); this re-implementation adds one and
// surfaces the escalation to the State Manager as its own notification kind
// (Session.NotifyForceKilled), per spec.md §9's open question.
const DefaultKillTimeout = 10 * time.Second

// LaunchConfig is the outcome of Config Fetch & Materialize (C4): a ready
// to exec argv plus a Cleanup callback releasing every staged artifact.
type LaunchConfig struct {
	Binary  string
	Args    []string
	Cleanup func()
	// OnReady runs once, after the quiescence delay around lock release,
	// while still in CHILD_READY: writing the xuser record is the only
	// caller today, but this keeps the state machine itself ignorant of
	// xconfig's file layout.
	OnReady func() error
	// Owner is the authorized owner uid, known only once fetch() has run
	// (standalone mode reports the invoking uid; managed mode reports
	// whatever the State Manager returned). Recorded in the Registry.
	Owner int
}

// ConfigFetchFunc performs fetch_config()+run_config_generator() and
// returns the argv to exec. A non-nil error here is fatal, per the state
// diagram's "(fatal on failure)" annotation on INIT.
type ConfigFetchFunc func() (LaunchConfig, error)

// Options configures a Supervisor. Lock and Elevate are nil and
// QuiescenceDelay is zero for the Virtual Variant (C7), which drops
// privilege elevation, the Cluster Lock and the quiescence delay entirely.
type Options struct {
	Identity identity.ServerIdentity

	// Lock is nil for the Virtual Variant.
	Lock *lock.Cluster
	// Session is nil in standalone mode (no SSM to notify).
	Session *ssmproto.Session

	// QuiescenceDelay is D. Zero in the Virtual Variant.
	QuiescenceDelay time.Duration

	// KillTimeout bounds how long teardown waits after TERM before
	// escalating to SIGKILL. Zero defaults to DefaultKillTimeout; a negative
	// value disables the escalation entirely.
	KillTimeout time.Duration

	// Elevate, when non-nil, is called once at the very start of Run,
	// before the config fetch and before the display server is forked, to
	// raise privilege (setreuid/setregid to 0): both the config generator
	// and the display server's loadable modules require uid 0 from their
	// own startup, not just after the fact. Nil in the Virtual Variant,
	// which never elevates.
	Elevate func() error

	// LivenessPipe is the Guardian-supplied read end of the caller-liveness
	// pipe; its EOF is one of the four teardown triggers. May be nil (the
	// Virtual Variant has no Guardian and so no liveness pipe).
	LivenessPipe io.Reader

	// ForwardReadiness, if true, re-raises SIGUSR1 to the Supervisor's own
	// parent once the child signals readiness - the "if caller subscribed,
	// forward SIGUSR1 to grandparent" clause of §4.6.
	ForwardReadiness bool

	// Registry is optional; a nil Registry disables C8 bookkeeping.
	Registry *registry.Registry
	// ServerType is recorded in the Registry and, for managed SSM sessions,
	// already validated by FetchServerConfig before Run is called.
	ServerType string

	Log *log.Entry
}

// Supervisor drives the state machine described in §4.6/§4.7 for a single
// display-server launch.
type Supervisor struct {
	opt   Options
	state State

	// killCh and killArmed implement the bounded SIGKILL escalation: the
	// first teardown trigger arms a one-shot timer that fires killCh if the
	// child hasn't exited by the time KillTimeout elapses. Touched only from
	// the Run goroutine, so no locking is needed.
	killCh    chan struct{}
	killArmed bool
}

// New returns a Supervisor ready to Run a single launch.
func New(opt Options) *Supervisor {
	if opt.Log == nil {
		opt.Log = log.NewEntry(log.StandardLogger())
	}
	opt.Log = opt.Log.WithField("display", opt.Identity.Key())
	if opt.KillTimeout == 0 {
		opt.KillTimeout = DefaultKillTimeout
	}
	return &Supervisor{opt: opt, state: StateInit}
}

// State returns the current state machine value, chiefly for tests.
func (s *Supervisor) State() State { return s.state }

// exitCodeForFetchError implements §4.4/§7: a nonzero config generator exit
// is fatal and is propagated as the supervisor's own exit code verbatim,
// rather than collapsed to InitFailureExitCode like every other
// pre-fork failure.
func exitCodeForFetchError(err error) int {
	var genErr *xconfig.GeneratorError
	if errors.As(err, &genErr) {
		return genErr.ExitCode
	}
	return InitFailureExitCode
}

// Run drives the full launch-through-teardown lifecycle and returns the
// process exit code per §4.6's exit-status rule: the display server's own
// WEXITSTATUS on normal exit, 128+signal if it died by signal, or
// InitFailureExitCode if a fatal error occurred before fork/exec.
func (s *Supervisor) Run(fetch ConfigFetchFunc) int {
	funnel := signalfunnel.New()
	defer funnel.Close()

	s.killCh = make(chan struct{}, 1)

	// Elevation happens before the lock, the config fetch and the fork, not
	// after: the display server's own loadable modules require uid 0 from
	// the moment they start, and the config generator this process shells
	// out to during fetch() must also run privileged. Elevating any later
	// would start both as the invoking unprivileged user.
	if s.opt.Elevate != nil {
		if err := s.opt.Elevate(); err != nil {
			s.opt.Log.WithError(err).Error("supervisor: failed to elevate privilege before config fetch")
			return InitFailureExitCode
		}
	}

	if s.opt.Lock != nil {
		if err := s.opt.Lock.TakeOnce(); err != nil {
			s.opt.Log.WithError(err).Error("supervisor: failed to acquire cluster lock")
			return InitFailureExitCode
		}
	}
	s.state = StateLockHeld

	launch, err := fetch()
	if err != nil {
		s.opt.Log.WithError(err).Error("supervisor: failed to fetch/materialize configuration")
		s.releaseLockBestEffort()
		return exitCodeForFetchError(err)
	}
	s.state = StateConfigReady

	cmd := exec.Command(launch.Binary, launch.Args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		s.opt.Log.WithError(err).Error("supervisor: failed to start display server")
		s.cleanup(launch)
		s.releaseLockBestEffort()
		return InitFailureExitCode
	}
	s.state = StateChildRunning
	s.recordInstance(cmd.Process.Pid, StateChildRunning, launch.Owner)

	childDone := make(chan *os.ProcessState, 1)
	go func() {
		state, _ := cmd.Process.Wait()
		childDone <- state
	}()

	var ssmClosed <-chan struct{}
	if s.opt.Session != nil {
		ssmClosed = watchPeerClose(s.opt.Session.Conn())
	}

	var livenessEOF <-chan struct{}
	if s.opt.LivenessPipe != nil {
		livenessEOF = watchEOF(s.opt.LivenessPipe)
	}

	usr1Latched := false

	for {
		// CHLD is terminal and takes priority over any other pending
		// event once it has arrived, per §4.6's ordering rule.
		select {
		case ps := <-childDone:
			return s.teardown(launch, ps)
		default:
		}

		select {
		case ps := <-childDone:
			return s.teardown(launch, ps)

		case ev := <-funnel.Events():
			switch ev {
			case signalfunnel.EventUsr1:
				if usr1Latched {
					continue
				}
				usr1Latched = true
				s.onReady(cmd.Process.Pid, launch)

			case signalfunnel.EventTerm, signalfunnel.EventInt:
				s.beginTeardownKill(cmd.Process.Pid)

			case signalfunnel.EventHup:
				if err := syscall.Kill(cmd.Process.Pid, syscall.SIGHUP); err != nil {
					s.opt.Log.WithError(err).Warn("supervisor: failed to forward SIGHUP to display server")
				}

			case signalfunnel.EventChild:
				// Reaped via the dedicated childDone goroutine instead;
				// this event carries no additional information.
			}

		case <-ssmClosed:
			s.opt.Log.Warn("supervisor: state manager closed the session, tearing down")
			s.beginTeardownKill(cmd.Process.Pid)
			ssmClosed = nil

		case <-livenessEOF:
			s.opt.Log.Warn("supervisor: caller liveness pipe closed, tearing down")
			s.beginTeardownKill(cmd.Process.Pid)
			livenessEOF = nil

		case <-s.killCh:
			s.opt.Log.Warn("supervisor: display server did not exit within the kill timeout, escalating to SIGKILL")
			if err := syscall.Kill(cmd.Process.Pid, syscall.SIGKILL); err != nil {
				s.opt.Log.WithError(err).Warn("supervisor: failed to send SIGKILL")
			}
			if s.opt.Session != nil {
				if err := s.opt.Session.NotifyForceKilled(s.identityFrame()); err != nil {
					s.opt.Log.WithError(err).Warn("supervisor: failed to notify state manager of forced kill")
				}
			}
		}
	}
}

// onReady implements the CHILD_RUNNING --USR1--> CHILD_READY transition.
func (s *Supervisor) onReady(childPID int, launch LaunchConfig) {
	s.state = StateChildReady
	s.sleepQuiescence()
	s.releaseLockBestEffort()
	s.sleepQuiescence()

	if launch.OnReady != nil {
		if err := launch.OnReady(); err != nil {
			s.opt.Log.WithError(err).Warn("supervisor: OnReady callback failed")
		}
	}
	if s.opt.Session != nil {
		if err := s.opt.Session.NotifyReady(s.identityFrame()); err != nil {
			s.opt.Log.WithError(err).Warn("supervisor: failed to notify state manager of readiness")
		}
	}
	if s.opt.ForwardReadiness {
		if err := syscall.Kill(syscall.Getppid(), syscall.SIGUSR1); err != nil {
			s.opt.Log.WithError(err).Debug("supervisor: failed to forward readiness signal to caller")
		}
	}
	s.recordInstance(childPID, StateChildReady, launch.Owner)
}

// beginTeardownKill implements the four non-CHLD teardown triggers: take
// the lock (idempotent, in case readiness was never reached), wait D, send
// TERM to the child, and arm the SIGKILL escalation timer. The state
// machine then waits for CHLD (or the kill timer) as normal. Teardown
// triggers can overlap (e.g. SSM closing the session right after a TERM
// signal arrives), so the timer is armed at most once per launch.
func (s *Supervisor) beginTeardownKill(childPID int) {
	if s.opt.Lock != nil {
		if err := s.opt.Lock.TakeOnce(); err != nil {
			s.opt.Log.WithError(err).Warn("supervisor: failed to re-acquire cluster lock before teardown")
		}
	}
	s.sleepQuiescence()
	if err := syscall.Kill(childPID, syscall.SIGTERM); err != nil {
		s.opt.Log.WithError(err).Warn("supervisor: failed to signal display server for teardown")
	}
	s.armKillTimer()
}

// armKillTimer starts the bounded SIGKILL escalation timer, if not already
// running and if the launch hasn't opted out (KillTimeout < 0).
func (s *Supervisor) armKillTimer() {
	if s.killArmed || s.opt.KillTimeout <= 0 {
		return
	}
	s.killArmed = true
	timeout := s.opt.KillTimeout
	go func() {
		time.Sleep(timeout)
		select {
		case s.killCh <- struct{}{}:
		default:
		}
	}()
}

// teardown implements the TEARDOWN state and returns the final exit code.
func (s *Supervisor) teardown(launch LaunchConfig, childState *os.ProcessState) int {
	s.state = StateTeardown
	s.cleanup(launch)

	if s.opt.Session != nil {
		if err := s.opt.Session.NotifyExit(s.identityFrame()); err != nil {
			s.opt.Log.WithError(err).Warn("supervisor: best-effort exit notification to state manager failed")
		}
		if err := s.opt.Session.Close(); err != nil {
			s.opt.Log.WithError(err).Debug("supervisor: failed to close state manager session")
		}
	}
	s.releaseLockBestEffort()
	s.deleteInstance()

	s.state = StateDone
	return guardian.ExitCodeForProcessState(childState)
}

func (s *Supervisor) cleanup(launch LaunchConfig) {
	if launch.Cleanup != nil {
		launch.Cleanup()
	}
}

func (s *Supervisor) releaseLockBestEffort() {
	if s.opt.Lock == nil {
		return
	}
	if err := s.opt.Lock.ReleaseOnce(); err != nil {
		s.opt.Log.WithError(err).Warn("supervisor: failed to release cluster lock")
	}
}

func (s *Supervisor) sleepQuiescence() {
	if s.opt.QuiescenceDelay > 0 {
		time.Sleep(s.opt.QuiescenceDelay)
	}
}

func (s *Supervisor) identityFrame() ssmproto.IdentityFrame {
	return ssmproto.IdentityFrame{
		Hostname:     s.opt.Identity.Hostname,
		ServerNumber: s.opt.Identity.ServerNumber,
	}
}

func (s *Supervisor) recordInstance(pid int, state State, owner int) {
	if s.opt.Registry == nil {
		return
	}
	rec := registry.Record{
		Identity:   s.opt.Identity,
		PID:        pid,
		State:      state.String(),
		Owner:      owner,
		ServerType: s.opt.ServerType,
		StartedAt:  time.Now(),
	}
	if err := s.opt.Registry.Put(rec); err != nil {
		s.opt.Log.WithError(err).Warn("supervisor: failed to update instance registry")
	}
}

func (s *Supervisor) deleteInstance() {
	if s.opt.Registry == nil {
		return
	}
	if err := s.opt.Registry.Delete(s.opt.Identity); err != nil {
		s.opt.Log.WithError(err).Warn("supervisor: failed to remove instance registry entry")
	}
}

// watchPeerClose reads conn in the background, purely to detect the peer
// closing its end. Any bytes read before that (the SSM never sends
// unsolicited data) are discarded; only a read error or EOF signals
// teardown.
func watchPeerClose(conn io.Reader) <-chan struct{} {
	return watchEOF(conn)
}

// watchEOF reads r in the background until it returns an error (EOF on
// the write end closing, the Guardian's own exit signal).
func watchEOF(r io.Reader) <-chan struct{} {
	ch := make(chan struct{}, 1)
	go func() {
		buf := make([]byte, 1)
		for {
			_, err := r.Read(buf)
			if err != nil {
				ch <- struct{}{}
				return
			}
		}
	}()
	return ch
}
