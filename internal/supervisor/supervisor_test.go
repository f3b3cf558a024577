package supervisor

import (
	"encoding/xml"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/vizstack/vsxd/internal/identity"
	"github.com/vizstack/vsxd/internal/lock"
	"github.com/vizstack/vsxd/internal/ssmproto"
	"github.com/vizstack/vsxd/internal/xconfig"
)

const testQuiescence = 5 * time.Millisecond

var errFetchFailed = errors.New("fetch failed")

func newTestLock(t *testing.T) *lock.Cluster {
	t.Helper()
	return lock.New(filepath.Join(t.TempDir(), "cluster.lock"))
}

func TestRunChildExitsImmediately(t *testing.T) {
	cl := newTestLock(t)
	sup := New(Options{
		Identity:        identity.ServerIdentity{Hostname: "h", ServerNumber: 0},
		Lock:            cl,
		QuiescenceDelay: testQuiescence,
	})

	code := sup.Run(func() (LaunchConfig, error) {
		return LaunchConfig{Binary: "/bin/sh", Args: []string{"-c", "exit 3"}}, nil
	})
	if code != 3 {
		t.Fatalf("got exit code %d, want 3", code)
	}
	if sup.State() != StateDone {
		t.Fatalf("got state %v, want DONE", sup.State())
	}
	if cl.Held() {
		t.Fatal("expected cluster lock to be released after teardown")
	}
}

func TestRunUsr1ThenTermTeardown(t *testing.T) {
	cl := newTestLock(t)
	var onReadyCalls int32
	sup := New(Options{
		Identity:        identity.ServerIdentity{Hostname: "h", ServerNumber: 1},
		Lock:            cl,
		QuiescenceDelay: testQuiescence,
	})

	done := make(chan int, 1)
	go func() {
		done <- sup.Run(func() (LaunchConfig, error) {
			return LaunchConfig{
				Binary: "/bin/sh",
				Args: []string{"-c",
					"kill -USR1 $PPID; trap 'exit 0' TERM; while true; do sleep 0.05; done"},
				OnReady: func() error {
					atomic.AddInt32(&onReadyCalls, 1)
					return nil
				},
			}, nil
		})
	}()

	// Give the child a moment to deliver USR1 and for the supervisor to
	// process readiness (two quiescence sleeps) before we ask it to tear
	// down.
	time.Sleep(10 * testQuiescence)

	if err := syscall.Kill(os.Getpid(), syscall.SIGTERM); err != nil {
		t.Fatalf("kill SIGTERM: %v", err)
	}

	select {
	case code := <-done:
		if code != 0 {
			t.Fatalf("got exit code %d, want 0", code)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for supervisor to tear down")
	}

	if atomic.LoadInt32(&onReadyCalls) != 1 {
		t.Fatalf("got %d OnReady calls, want 1", onReadyCalls)
	}
	if sup.State() != StateDone {
		t.Fatalf("got state %v, want DONE", sup.State())
	}
}

func TestRunUsr1LatchIgnoresRepeats(t *testing.T) {
	cl := newTestLock(t)
	var onReadyCalls int32
	sup := New(Options{
		Identity:        identity.ServerIdentity{Hostname: "h", ServerNumber: 2},
		Lock:            cl,
		QuiescenceDelay: testQuiescence,
	})

	done := make(chan int, 1)
	go func() {
		done <- sup.Run(func() (LaunchConfig, error) {
			return LaunchConfig{
				Binary: "/bin/sh",
				Args: []string{"-c",
					"kill -USR1 $PPID; sleep 0.1; kill -USR1 $PPID; trap 'exit 0' TERM; while true; do sleep 0.05; done"},
				OnReady: func() error {
					atomic.AddInt32(&onReadyCalls, 1)
					return nil
				},
			}, nil
		})
	}()

	time.Sleep(20 * testQuiescence)
	if err := syscall.Kill(os.Getpid(), syscall.SIGTERM); err != nil {
		t.Fatalf("kill SIGTERM: %v", err)
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for supervisor to tear down")
	}

	if atomic.LoadInt32(&onReadyCalls) != 1 {
		t.Fatalf("got %d OnReady calls, want exactly 1 despite repeat USR1", onReadyCalls)
	}
}

func TestRunSSMPeerCloseTriggersTeardown(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "ssm.sock")
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	session, err := ssmproto.Dial(ssmproto.Transport{Local: true, Port: socketPath}, nil, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	id := ssmproto.IdentityFrame{Hostname: "h", ServerNumber: 3}
	if err := session.SendIdentity(id, nil); err != nil {
		t.Fatalf("SendIdentity: %v", err)
	}

	serverConn := <-accepted
	// Drain the identity frame the client just sent, then close - this is
	// the peer-initiated close the state machine must treat as teardown.
	buf := make([]byte, 256)
	serverConn.Read(buf)
	serverConn.Close()

	cl := newTestLock(t)
	sup := New(Options{
		Identity:        identity.ServerIdentity{Hostname: "h", ServerNumber: 3},
		Lock:            cl,
		Session:         session,
		QuiescenceDelay: testQuiescence,
	})

	code := sup.Run(func() (LaunchConfig, error) {
		return LaunchConfig{
			Binary: "/bin/sh",
			Args:   []string{"-c", "trap 'exit 0' TERM; while true; do sleep 0.05; done"},
		}, nil
	})
	if code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
}

func TestRunLivenessPipeEOFTriggersTeardown(t *testing.T) {
	pr, pw, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}

	cl := newTestLock(t)
	sup := New(Options{
		Identity:        identity.ServerIdentity{Hostname: "h", ServerNumber: 4},
		Lock:            cl,
		LivenessPipe:    pr,
		QuiescenceDelay: testQuiescence,
	})

	done := make(chan int, 1)
	go func() {
		done <- sup.Run(func() (LaunchConfig, error) {
			return LaunchConfig{
				Binary: "/bin/sh",
				Args:   []string{"-c", "trap 'exit 0' TERM; while true; do sleep 0.05; done"},
			}, nil
		})
	}()

	time.Sleep(2 * testQuiescence)
	pw.Close()

	select {
	case code := <-done:
		if code != 0 {
			t.Fatalf("got exit code %d, want 0", code)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for teardown after liveness pipe EOF")
	}
}

func TestRunEscalatesToSigkillAfterTimeout(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "ssm.sock")
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	session, err := ssmproto.Dial(ssmproto.Transport{Local: true, Port: socketPath}, nil, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	id := ssmproto.IdentityFrame{Hostname: "h", ServerNumber: 6}
	if err := session.SendIdentity(id, nil); err != nil {
		t.Fatalf("SendIdentity: %v", err)
	}
	serverConn := <-accepted
	defer serverConn.Close()

	// Drain the identity frame, then read every subsequent frame in the
	// background so the final update_x_avail (newState=2) can be asserted
	// once the supervisor exits.
	codec := ssmproto.NewCodec(serverConn)
	codec.Read()
	frames := make(chan []byte, 4)
	go func() {
		for {
			raw, err := codec.Read()
			if err != nil {
				close(frames)
				return
			}
			frames <- raw
		}
	}()

	cl := newTestLock(t)
	sup := New(Options{
		Identity:        identity.ServerIdentity{Hostname: "h", ServerNumber: 6},
		Lock:            cl,
		Session:         session,
		QuiescenceDelay: testQuiescence,
		KillTimeout:     20 * time.Millisecond,
	})

	done := make(chan int, 1)
	go func() {
		done <- sup.Run(func() (LaunchConfig, error) {
			return LaunchConfig{
				Binary: "/bin/sh",
				// Ignores TERM outright, forcing the kill-timeout escalation.
				Args: []string{"-c", "trap '' TERM; while true; do sleep 0.05; done"},
			}, nil
		})
	}()

	time.Sleep(2 * testQuiescence)
	if err := syscall.Kill(os.Getpid(), syscall.SIGTERM); err != nil {
		t.Fatalf("kill SIGTERM: %v", err)
	}

	select {
	case code := <-done:
		if code != -1 && code < 128 {
			t.Fatalf("got exit code %d, want a signal-death code", code)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for supervisor to escalate to SIGKILL")
	}

	var sawForceKilled bool
	for raw := range frames {
		var req ssmproto.UpdateXAvailRequest
		if err := xml.Unmarshal(raw, &req); err != nil {
			continue
		}
		if req.Update.NewState == ssmproto.XAvailForceKilled {
			sawForceKilled = true
		}
	}
	if !sawForceKilled {
		t.Fatal("expected an update_x_avail newState=2 notification after the forced kill")
	}
}

func TestRunFatalFetchErrorReleasesLock(t *testing.T) {
	cl := newTestLock(t)
	sup := New(Options{
		Identity:        identity.ServerIdentity{Hostname: "h", ServerNumber: 5},
		Lock:            cl,
		QuiescenceDelay: testQuiescence,
	})

	code := sup.Run(func() (LaunchConfig, error) {
		return LaunchConfig{}, errFetchFailed
	})
	if code != InitFailureExitCode {
		t.Fatalf("got exit code %d, want %d", code, InitFailureExitCode)
	}
	if cl.Held() {
		t.Fatal("expected cluster lock to be released after a fatal fetch error")
	}
}

func TestRunPropagatesGeneratorExitCode(t *testing.T) {
	cl := newTestLock(t)
	sup := New(Options{
		Identity:        identity.ServerIdentity{Hostname: "h", ServerNumber: 7},
		Lock:            cl,
		QuiescenceDelay: testQuiescence,
	})

	code := sup.Run(func() (LaunchConfig, error) {
		return LaunchConfig{}, &xconfig.GeneratorError{ExitCode: 42}
	})
	if code != 42 {
		t.Fatalf("got exit code %d, want the generator's own exit code 42", code)
	}
}

func TestRunElevatesBeforeFetchAndFork(t *testing.T) {
	cl := newTestLock(t)
	var order []string

	sup := New(Options{
		Identity:        identity.ServerIdentity{Hostname: "h", ServerNumber: 8},
		Lock:            cl,
		QuiescenceDelay: testQuiescence,
		Elevate: func() error {
			order = append(order, "elevate")
			return nil
		},
	})

	code := sup.Run(func() (LaunchConfig, error) {
		order = append(order, "fetch")
		return LaunchConfig{Binary: "/bin/sh", Args: []string{"-c", "exit 0"}}, nil
	})
	if code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
	if len(order) != 2 || order[0] != "elevate" || order[1] != "fetch" {
		t.Fatalf("got call order %v, want [elevate fetch]", order)
	}
}
