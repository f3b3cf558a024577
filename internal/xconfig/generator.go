package xconfig

import (
	"fmt"
	"os"
	"os/exec"
)

// Paths bundles the well-known per-server file locations under the runtime
// directory (§6.5): generated config, server-info, staged description XML,
// and the per-user auth file.
type Paths struct {
	XorgConfig  string // xorg-<N>.conf
	ServerInfo  string // serverinfo-<N>.xml
	StagedXML   string // xconfig-<N>.xml (managed mode only)
	UserAuth    string // Xauthority-<N>
	XUserRecord string // xuser-<N>
}

// StageDescription writes desc to the staging path so the config generator
// has a stable file to read.
func StageDescription(path string, desc []byte) error {
	if err := os.WriteFile(path, desc, 0o600); err != nil {
		return fmt.Errorf("xconfig: stage description at %s: %w", path, err)
	}
	return nil
}

// GeneratorRunner invokes the external config generator program (§6.3): it
// receives the staged input XML path, the output config path and the
// server-info output path, and exits 0 on success. Any nonzero exit is
// fatal and is propagated as the supervisor's own exit code, per §4.4.
type GeneratorRunner struct {
	Program string
}

// Run shells out to the config generator, following the same
// build-argv/wire-stdio/Run/check-exit-status shape as the teacher's
// libeopkg.ProduceDelta invocation of fakeroot/eopkg.
func (g GeneratorRunner) Run(inputPath, outputPath, serverInfoPath string, ignoreMissingDevices bool) error {
	args := []string{
		"--input=" + inputPath,
		"--output=" + outputPath,
		"--server-info=" + serverInfoPath,
	}
	if ignoreMissingDevices {
		args = append(args, "--ignore-missing-devices")
	}
	cmd := exec.Command(g.Program, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return &GeneratorError{ExitCode: exitErr.ExitCode()}
		}
		return fmt.Errorf("xconfig: run config generator %s: %w", g.Program, err)
	}
	return nil
}

// GeneratorError carries the config generator's exit code so callers can
// propagate it verbatim as their own exit status, per §7.
type GeneratorError struct {
	ExitCode int
}

func (e *GeneratorError) Error() string {
	return fmt.Sprintf("xconfig: config generator exited %d", e.ExitCode)
}

// AuthMaterializer invokes the external auth-file helper (§6.3) that
// regenerates a per-display auth file at a stable path.
type AuthMaterializer struct {
	Program string
}

// Run shells out to the auth-file helper and then fixes ownership/mode on
// the destination, mirroring the chown/chmod steps the C ancestor performs
// inline after invoking vs-generate-authfile.
func (a AuthMaterializer) Run(display, sourceAuthFile, destPath string, ownerUID int) error {
	cmd := exec.Command(a.Program, display, sourceAuthFile, destPath)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("xconfig: run auth materializer: %w", err)
	}
	if err := os.Chown(destPath, ownerUID, 0); err != nil {
		return fmt.Errorf("xconfig: chown auth file %s: %w", destPath, err)
	}
	if err := os.Chmod(destPath, 0o400); err != nil {
		return fmt.Errorf("xconfig: chmod auth file %s: %w", destPath, err)
	}
	return nil
}

// Cleanup removes every staged artifact listed in p plus info's temporary
// EDID files. Errors are ignored and never block - cleanup runs on every
// exit path and a missing file is not itself a failure worth reporting
// loudly (it may already have been removed by a concurrent cleaner).
func Cleanup(p Paths, info *ServerInfo, configInTempFile bool) {
	removeIfExists(p.XorgConfig)
	removeIfExists(p.ServerInfo)
	removeIfExists(p.XUserRecord)
	if p.UserAuth != "" {
		removeIfExists(p.UserAuth)
	}
	if configInTempFile {
		removeIfExists(p.StagedXML)
	}
	if info != nil {
		for _, f := range info.TempEdidFile {
			removeIfExists(f)
		}
	}
}

func removeIfExists(path string) {
	if path == "" {
		return
	}
	_ = os.Remove(path)
}
