// Command vsxd is the Guardian/Supervisor entrypoint for a single privileged
// display-server launch. The process started by the caller is always the
// Guardian; it re-execs itself as the Supervisor child, which holds the
// Cluster Lock, talks to the State Manager, materializes the per-server
// configuration and finally forks and execs the display server itself.
package main

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/vizstack/vsxd/internal/guardian"
	"github.com/vizstack/vsxd/internal/identity"
	"github.com/vizstack/vsxd/internal/lock"
	"github.com/vizstack/vsxd/internal/masterconfig"
	"github.com/vizstack/vsxd/internal/registry"
	"github.com/vizstack/vsxd/internal/ssmproto"
	"github.com/vizstack/vsxd/internal/supervisor"
	"github.com/vizstack/vsxd/internal/xconfig"
)

var (
	masterConfigPath      = "/etc/vizstack/master.xml"
	runtimeDir            = "/run/vizstack"
	standaloneConfigDir   = "/etc/vizstack/servers"
	generatorProgram      = "/usr/libexec/vizstack/vs-generate-config"
	authHelperProgram     = "/usr/libexec/vizstack/vs-generate-authfile"
	credentialMintProgram string
	logPath               string
	quiescenceDelay       = supervisor.DefaultQuiescenceDelay
)

func main() {
	pflag.StringVar(&masterConfigPath, "master-config", masterConfigPath, "Path to the master configuration XML")
	pflag.StringVar(&runtimeDir, "runtime-dir", runtimeDir, "Node-local runtime directory for the lock, registry and per-display staging files")
	pflag.StringVar(&standaloneConfigDir, "standalone-config-dir", standaloneConfigDir, "Directory holding per-server XML descriptions in standalone mode")
	pflag.StringVar(&generatorProgram, "generator", generatorProgram, "Path to the external config generator")
	pflag.StringVar(&authHelperProgram, "auth-helper", authHelperProgram, "Path to the external auth-file materializer")
	pflag.StringVar(&credentialMintProgram, "credential-mint", credentialMintProgram, "Path to the external credential-minting tool (remote SSM transport only)")
	pflag.StringVar(&logPath, "log", logPath, "Write logs to this file instead of stderr")
	pflag.DurationVar(&quiescenceDelay, "quiescence-delay", quiescenceDelay, "Pause observed around lock release on readiness and before the first teardown kill")
	// Everything from the display designator onward belongs to the display
	// server's own argument vector, not to vsxd: stop flag parsing at the
	// first non-flag token so "-auth foo" further along is never mistaken
	// for one of our own flags.
	pflag.CommandLine.SetInterspersed(false)
	pflag.Parse()

	setupLogging()

	if !guardian.IsSupervisorChild() {
		os.Exit(guardian.Guardian{Args: os.Args[1:]}.Run())
	}
	os.Exit(runSupervisor(pflag.Args()))
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
		fmt.Fprintf(os.Stderr, "vsxd: failed to open log file %s: %v\n", logPath, err)
		return
	}
	log.SetOutput(f)
}

func runSupervisor(argv []string) int {
	entry := log.WithField("component", "vsxd")

	parsed, err := xconfig.SanitizeArgs(argv)
	if err != nil {
		entry.WithError(err).Error("vsxd: rejected supervisor arguments")
		return supervisor.InitFailureExitCode
	}

	hostname, err := os.Hostname()
	if err != nil {
		entry.WithError(err).Error("vsxd: failed to determine hostname")
		return supervisor.InitFailureExitCode
	}
	id := identity.ServerIdentity{Hostname: hostname, ServerNumber: parsed.ServerNumber}
	entry = entry.WithField("display", id.Key())

	master, err := masterconfig.Load(masterConfigPath)
	if err != nil {
		entry.WithError(err).Error("vsxd: failed to load master configuration")
		return supervisor.InitFailureExitCode
	}

	invokingUID := os.Getuid()

	var session *ssmproto.Session
	var mint ssmproto.CredentialMint
	if master.Mode == masterconfig.Managed {
		if !master.Transport().Local {
			if credentialMintProgram == "" {
				entry.Error("vsxd: managed mode over a remote transport requires -credential-mint")
				return supervisor.InitFailureExitCode
			}
			mint = ssmproto.ExecCredentialMint(credentialMintProgram)
		}
		session, err = ssmproto.Dial(master.Transport(), mint, entry)
		if err != nil {
			entry.WithError(err).Error("vsxd: failed to dial state manager")
			return supervisor.InitFailureExitCode
		}
		idFrame := ssmproto.IdentityFrame{Hostname: hostname, ServerNumber: id.ServerNumber}
		if err := session.SendIdentity(idFrame, mint); err != nil {
			entry.WithError(err).Error("vsxd: failed to send identity to state manager")
			session.Close()
			return supervisor.InitFailureExitCode
		}
	}

	paths := xconfig.Paths{
		XorgConfig:  filepath.Join(runtimeDir, fmt.Sprintf("xorg-%d.conf", id.ServerNumber)),
		ServerInfo:  filepath.Join(runtimeDir, fmt.Sprintf("serverinfo-%d.xml", id.ServerNumber)),
		StagedXML:   filepath.Join(runtimeDir, fmt.Sprintf("xconfig-%d.xml", id.ServerNumber)),
		UserAuth:    filepath.Join(runtimeDir, fmt.Sprintf("Xauthority-%d", id.ServerNumber)),
		XUserRecord: filepath.Join(runtimeDir, fmt.Sprintf("xuser-%d", id.ServerNumber)),
	}

	owner := invokingUID
	configInTempFile := master.Mode == masterconfig.Managed

	fetch := func() (supervisor.LaunchConfig, error) {
		var desc *xconfig.Description
		if master.Mode == masterconfig.Standalone {
			descPath := filepath.Join(standaloneConfigDir, fmt.Sprintf("%d.xml", id.ServerNumber))
			desc, err = xconfig.FetchStandalone(descPath)
		} else {
			idFrame := ssmproto.IdentityFrame{Hostname: hostname, ServerNumber: id.ServerNumber}
			desc, err = xconfig.FetchManaged(session, idFrame, ssmproto.ServerTypeNormal, invokingUID, true)
		}
		if err != nil {
			return supervisor.LaunchConfig{}, err
		}
		owner = desc.Owner
		if master.Mode == masterconfig.Standalone {
			owner = invokingUID
		}

		if master.Mode == masterconfig.Managed {
			if err := xconfig.StageDescription(paths.StagedXML, desc.XML); err != nil {
				return supervisor.LaunchConfig{}, err
			}
		}
		inputPath := paths.StagedXML
		if master.Mode == masterconfig.Standalone {
			inputPath = filepath.Join(standaloneConfigDir, fmt.Sprintf("%d.xml", id.ServerNumber))
		}

		gen := xconfig.GeneratorRunner{Program: generatorProgram}
		if err := gen.Run(inputPath, paths.XorgConfig, paths.ServerInfo, parsed.IgnoreMissingDevices); err != nil {
			return supervisor.LaunchConfig{}, err
		}

		info, err := xconfig.LoadServerInfo(paths.ServerInfo)
		if err != nil {
			return supervisor.LaunchConfig{}, err
		}

		if parsed.AuthFile != "" {
			auth := xconfig.AuthMaterializer{Program: authHelperProgram}
			if err := auth.Run(parsed.Display, parsed.AuthFile, paths.UserAuth, owner); err != nil {
				return supervisor.LaunchConfig{}, err
			}
		}

		args := append([]string{}, parsed.Forward...)
		args = append(args, info.DisplayArgs(paths.XorgConfig)...)

		return supervisor.LaunchConfig{
			Binary: "/usr/bin/Xorg",
			Args:   args,
			Owner:  owner,
			Cleanup: func() {
				xconfig.Cleanup(paths, info, configInTempFile)
			},
			OnReady: func() error {
				return xconfig.WriteXUserRecord(paths.XUserRecord, ownerUsername(owner), os.Getpid(), parsed.RGSPromptUser)
			},
		}, nil
	}

	if err := os.MkdirAll(runtimeDir, 0o755); err != nil {
		entry.WithError(err).Error("vsxd: failed to create runtime directory")
		return supervisor.InitFailureExitCode
	}

	reg, err := registry.Open(filepath.Join(runtimeDir, "registry.db"))
	if err != nil {
		entry.WithError(err).Warn("vsxd: failed to open instance registry, proceeding without C8 bookkeeping")
		reg = nil
	}
	if reg != nil {
		defer reg.Close()
	}

	var livenessPipe *os.File
	livenessPipe, err = guardian.LivenessPipe()
	if err != nil {
		entry.WithError(err).Error("vsxd: missing caller-liveness pipe")
		return supervisor.InitFailureExitCode
	}

	opt := supervisor.Options{
		Identity:         id,
		Lock:             lock.New(filepath.Join(runtimeDir, "vsxd.lock")),
		Session:          session,
		QuiescenceDelay:  quiescenceDelay,
		Elevate:          elevateToRoot,
		LivenessPipe:     livenessPipe,
		ForwardReadiness: true,
		Registry:         reg,
		ServerType:       ssmproto.ServerTypeNormal,
		Log:              entry,
	}

	return supervisor.New(opt).Run(fetch)
}

// ownerUsername resolves uid to a username for the xuser-<N> record,
// falling back to the numeric uid if the passwd lookup fails.
func ownerUsername(uid int) string {
	u, err := user.LookupId(strconv.Itoa(uid))
	if err != nil {
		return strconv.Itoa(uid)
	}
	return u.Username
}

// elevateToRoot sets both the real and effective user and group id to 0, as
// required by the display server's own loadable modules rather than by any
// operation the Supervisor itself performs.
func elevateToRoot() error {
	if err := syscall.Setregid(0, 0); err != nil {
		return fmt.Errorf("vsxd: setregid(0, 0): %w", err)
	}
	if err := syscall.Setreuid(0, 0); err != nil {
		return fmt.Errorf("vsxd: setreuid(0, 0): %w", err)
	}
	return nil
}
