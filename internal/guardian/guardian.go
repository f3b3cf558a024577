// Package guardian implements the outer, unprivileged Guardian process
// (C5). Go has no fork(2), so the Guardian/Supervisor split that the C
// ancestor achieved with a single fork() is instead realized by
// self-re-exec: the running binary launches a second copy of itself as the
// Supervisor child, passing it a liveness pipe and a marker environment
// variable so the two roles share one executable.
package guardian

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
)

// ChildMarkerEnv is set in the Supervisor child's environment so a re-exec
// of the same binary knows to run the Supervisor role instead of spawning
// another Guardian.
const ChildMarkerEnv = "VSXD_SUPERVISOR_CHILD=1"

// LivenessFD is the file descriptor number, within the Supervisor child's
// process, of the read end of the caller-liveness pipe. It is always fd 3:
// ExtraFiles places the first entry immediately after stdin/stdout/stderr.
const LivenessFD = 3

// Guardian re-execs the current binary as the Supervisor, forwards
// TERM/INT to it and USR1 to the Guardian's own parent for as long as it
// runs, reaps it, and mirrors its exit status. Run blocks until the Supervisor child has exited.
type Guardian struct {
	// Args are passed to the re-exec'd binary unchanged except that the
	// caller should NOT include argv[0]; Run supplies os.Args[0] itself.
	Args []string
}

// Run starts the Supervisor child and waits for it. The returned exit code
// follows the same WEXITSTATUS / 128+signal convention vs-X's
// parentWaitTillSUIDExits used for its own child, so that driver scripts
// observing the Guardian process see the same exit semantics they would
// have seen from the original two-process tree.
func (g Guardian) Run() int {
	livenessRead, livenessWrite, err := os.Pipe()
	if err != nil {
		log.WithError(err).Error("guardian: failed to create liveness pipe")
		return 1
	}

	cmd := exec.Command(os.Args[0], g.Args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), ChildMarkerEnv)
	cmd.ExtraFiles = []*os.File{livenessRead}

	if err := cmd.Start(); err != nil {
		log.WithError(err).Error("guardian: failed to start supervisor child")
		livenessRead.Close()
		livenessWrite.Close()
		return 1
	}
	// The Guardian holds the read end open in the child via ExtraFiles;
	// its own copy is no longer needed once the child has inherited it.
	livenessRead.Close()

	sigCh := make(chan os.Signal, 8)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGUSR1)
	defer signal.Stop(sigCh)

	done := make(chan *os.ProcessState, 1)
	go func() {
		state, _ := cmd.Process.Wait()
		done <- state
	}()

	for {
		select {
		case sig := <-sigCh:
			g.forward(cmd.Process.Pid, sig)
		case state := <-done:
			// The Supervisor child has exited, so nobody reads the
			// liveness pipe any more; closing the write end here is the
			// deterministic last step regardless of exit path, mirroring
			// origParentPipe's close in the C ancestor. If the Guardian
			// itself is killed instead, the kernel closes the write end and
			// the Supervisor sees EOF.
			livenessWrite.Close()
			return ExitCodeForProcessState(state)
		}
	}
}

// forward relays a subset of signals to the Supervisor child, matching the
// C ancestor's handling inside parentWaitTillSUIDExits: USR1 is meant for
// the Guardian's own parent (a driver process waiting on vs-wait-x), not
// the child, so it is sent on to the Guardian's own parent rather than to
// the child; TERM/INT are passed straight through to the child.
func (g Guardian) forward(childPID int, sig os.Signal) {
	switch sig {
	case syscall.SIGUSR1:
		if err := syscall.Kill(syscall.Getppid(), syscall.SIGUSR1); err != nil {
			log.WithError(err).Debug("guardian: failed to re-raise USR1 to parent")
		}
	case syscall.SIGTERM, syscall.SIGINT:
		if err := syscall.Kill(childPID, sig.(syscall.Signal)); err != nil {
			log.WithError(err).WithField("signal", sig).Warn("guardian: failed to forward signal to supervisor child")
		}
	}
}

// ExitCodeForProcessState translates a *os.ProcessState into the 0-255 exit status a
// shell would report for the same child, so the Guardian's own exit code
// is indistinguishable from the Supervisor's.
func ExitCodeForProcessState(state *os.ProcessState) int {
	if state == nil {
		return 1
	}
	status, ok := state.Sys().(syscall.WaitStatus)
	if !ok {
		if state.Success() {
			return 0
		}
		return 1
	}
	switch {
	case status.Exited():
		return status.ExitStatus()
	case status.Signaled():
		return 128 + int(status.Signal())
	default:
		return 1
	}
}

// LivenessPipe returns the Supervisor child's read end of the
// caller-liveness pipe opened by its Guardian parent, or an error if this
// process was not launched by a Guardian (ChildMarkerEnv unset).
//
// The fd arrived via the Guardian's ExtraFiles, which clears FD_CLOEXEC on
// inheritance, so it is marked close-on-exec here - otherwise the display
// server the Supervisor execs next would inherit it too, violating the
// child-isolation invariant (§8).
func LivenessPipe() (*os.File, error) {
	if os.Getenv("VSXD_SUPERVISOR_CHILD") == "" {
		return nil, fmt.Errorf("guardian: process was not launched as a supervisor child")
	}
	syscall.CloseOnExec(LivenessFD)
	return os.NewFile(uintptr(LivenessFD), "liveness"), nil
}

// IsSupervisorChild reports whether the current process was exec'd by a
// Guardian as its Supervisor child.
func IsSupervisorChild() bool {
	return os.Getenv("VSXD_SUPERVISOR_CHILD") != ""
}
