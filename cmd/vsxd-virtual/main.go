// Command vsxd-virtual is the Virtual Variant (C7) entrypoint: the same
// Supervisor Loop state machine as vsxd, minus the Guardian layer, the
// Cluster Lock, the quiescence delay and privilege elevation. It runs an
// unprivileged display-server binary named on its own command line rather
// than a fixed, privileged one, and requires an exact owner match against
// the State Manager rather than allowing a root-uid bypass.
package main

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/vizstack/vsxd/internal/identity"
	"github.com/vizstack/vsxd/internal/masterconfig"
	"github.com/vizstack/vsxd/internal/registry"
	"github.com/vizstack/vsxd/internal/ssmproto"
	"github.com/vizstack/vsxd/internal/supervisor"
	"github.com/vizstack/vsxd/internal/xconfig"
)

var (
	masterConfigPath      = "/etc/vizstack/master.xml"
	runtimeDir            = "/run/vizstack"
	authHelperProgram     = "/usr/libexec/vizstack/vs-generate-authfile"
	credentialMintProgram string
	logPath               string
)

func main() {
	pflag.StringVar(&masterConfigPath, "master-config", masterConfigPath, "Path to the master configuration XML")
	pflag.StringVar(&runtimeDir, "runtime-dir", runtimeDir, "Node-local runtime directory for the registry and per-display staging files")
	pflag.StringVar(&authHelperProgram, "auth-helper", authHelperProgram, "Path to the external auth-file materializer")
	pflag.StringVar(&credentialMintProgram, "credential-mint", credentialMintProgram, "Path to the external credential-minting tool (remote SSM transport only)")
	pflag.StringVar(&logPath, "log", logPath, "Write logs to this file instead of stderr")
	// The first positional argument is the virtual display-server binary
	// itself, not one of its own flags, so flag parsing must not try to
	// interpret anything past it.
	pflag.CommandLine.SetInterspersed(false)
	pflag.Parse()

	setupLogging()
	os.Exit(run(pflag.Args()))
}

func setupLogging() {
	form := &log.TextFormatter{FullTimestamp: true}
	log.SetFormatter(form)
	if logPath == "" {
		log.SetOutput(os.Stderr)
		return
	}
	f, err := os.OpenFile(logPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vsxd-virtual: failed to open log file %s: %v\n", logPath, err)
		return
	}
	log.SetOutput(f)
}

func run(argv []string) int {
	entry := log.WithField("component", "vsxd-virtual")

	if len(argv) == 0 {
		entry.Error("vsxd-virtual: no display-server binary given")
		return supervisor.InitFailureExitCode
	}
	binary := argv[0]
	if err := checkExecutable(binary); err != nil {
		entry.WithError(err).Error("vsxd-virtual: display-server binary is not executable")
		return supervisor.InitFailureExitCode
	}

	parsed, err := xconfig.SanitizeArgs(argv[1:])
	if err != nil {
		entry.WithError(err).Error("vsxd-virtual: rejected supervisor arguments")
		return supervisor.InitFailureExitCode
	}

	hostname, err := os.Hostname()
	if err != nil {
		entry.WithError(err).Error("vsxd-virtual: failed to determine hostname")
		return supervisor.InitFailureExitCode
	}
	id := identity.ServerIdentity{Hostname: hostname, ServerNumber: parsed.ServerNumber}
	entry = entry.WithField("display", id.Key())

	master, err := masterconfig.Load(masterConfigPath)
	if err != nil {
		entry.WithError(err).Error("vsxd-virtual: failed to load master configuration")
		return supervisor.InitFailureExitCode
	}

	invokingUID := os.Getuid()

	var session *ssmproto.Session
	var mint ssmproto.CredentialMint
	if master.Mode == masterconfig.Managed {
		if !master.Transport().Local {
			if credentialMintProgram == "" {
				entry.Error("vsxd-virtual: managed mode over a remote transport requires -credential-mint")
				return supervisor.InitFailureExitCode
			}
			mint = ssmproto.ExecCredentialMint(credentialMintProgram)
		}
		session, err = ssmproto.Dial(master.Transport(), mint, entry)
		if err != nil {
			entry.WithError(err).Error("vsxd-virtual: failed to dial state manager")
			return supervisor.InitFailureExitCode
		}
		idFrame := ssmproto.IdentityFrame{Hostname: hostname, ServerNumber: id.ServerNumber}
		if err := session.SendIdentity(idFrame, mint); err != nil {
			entry.WithError(err).Error("vsxd-virtual: failed to send identity to state manager")
			session.Close()
			return supervisor.InitFailureExitCode
		}
	}

	xuserRecordPath := filepath.Join(runtimeDir, fmt.Sprintf("xuser-%d", id.ServerNumber))
	authPath := filepath.Join(runtimeDir, fmt.Sprintf("Xauthority-%d", id.ServerNumber))

	owner := invokingUID

	fetch := func() (supervisor.LaunchConfig, error) {
		if master.Mode == masterconfig.Managed {
			idFrame := ssmproto.IdentityFrame{Hostname: hostname, ServerNumber: id.ServerNumber}
			// allowRootBypass=false: the virtual variant requires an exact
			// owner match, per §4.7 - uid 0 gets no special treatment here.
			desc, err := xconfig.FetchManaged(session, idFrame, ssmproto.ServerTypeVirtual, invokingUID, false)
			if err != nil {
				return supervisor.LaunchConfig{}, err
			}
			owner = desc.Owner
		}

		if parsed.AuthFile != "" {
			auth := xconfig.AuthMaterializer{Program: authHelperProgram}
			if err := auth.Run(parsed.Display, parsed.AuthFile, authPath, owner); err != nil {
				return supervisor.LaunchConfig{}, err
			}
		}

		return supervisor.LaunchConfig{
			Binary: binary,
			Args:   parsed.Forward,
			Owner:  owner,
			Cleanup: func() {
				_ = os.Remove(xuserRecordPath)
				if parsed.AuthFile != "" {
					_ = os.Remove(authPath)
				}
			},
			OnReady: func() error {
				return xconfig.WriteXUserRecord(xuserRecordPath, ownerUsername(owner), os.Getpid(), parsed.RGSPromptUser)
			},
		}, nil
	}

	if err := os.MkdirAll(runtimeDir, 0o755); err != nil {
		entry.WithError(err).Error("vsxd-virtual: failed to create runtime directory")
		return supervisor.InitFailureExitCode
	}

	reg, err := registry.Open(filepath.Join(runtimeDir, "registry.db"))
	if err != nil {
		entry.WithError(err).Warn("vsxd-virtual: failed to open instance registry, proceeding without C8 bookkeeping")
		reg = nil
	}
	if reg != nil {
		defer reg.Close()
	}

	opt := supervisor.Options{
		Identity:   id,
		Session:    session,
		Registry:   reg,
		ServerType: ssmproto.ServerTypeVirtual,
		Log:        entry,
		// Lock, Elevate, QuiescenceDelay, LivenessPipe and ForwardReadiness
		// are all left at their zero values: no Cluster Lock, no privilege
		// elevation, no quiescence delay, no Guardian-supplied liveness
		// pipe, and no readiness signal to forward since there is no
		// Guardian parent above this process.
	}

	return supervisor.New(opt).Run(fetch)
}

func checkExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	if info.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("%s is not executable", path)
	}
	return nil
}

func ownerUsername(uid int) string {
	u, err := user.LookupId(strconv.Itoa(uid))
	if err != nil {
		return strconv.Itoa(uid)
	}
	return u.Username
}
