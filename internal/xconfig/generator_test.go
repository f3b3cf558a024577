package xconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGeneratorRunnerSuccessWritesOutputs(t *testing.T) {
	dir := t.TempDir()
	inputPath := filepath.Join(dir, "xconfig-0.xml")
	outputPath := filepath.Join(dir, "xorg-0.conf")
	infoPath := filepath.Join(dir, "serverinfo-0.xml")
	if err := os.WriteFile(inputPath, []byte("<serverconfig/>"), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	// A real child process standing in for the external config generator:
	// it touches the two output paths it was told to produce and exits 0.
	runner := generatorRunnerForTest(t)

	if err := runner.Run(inputPath, outputPath, infoPath, false); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := os.Stat(outputPath); err != nil {
		t.Fatalf("expected output config to exist: %v", err)
	}
	if _, err := os.Stat(infoPath); err != nil {
		t.Fatalf("expected server-info to exist: %v", err)
	}
}

func TestGeneratorRunnerPropagatesExitCode(t *testing.T) {
	dir := t.TempDir()
	wrapper := filepath.Join(dir, "fake-generator.sh")
	if err := os.WriteFile(wrapper, []byte("#!/bin/sh\nexit 7\n"), 0o700); err != nil {
		t.Fatalf("write wrapper: %v", err)
	}

	gen := GeneratorRunner{Program: wrapper}
	err := gen.Run("in.xml", "out.conf", "info.xml", false)
	if err == nil {
		t.Fatal("expected a GeneratorError")
	}
	genErr, ok := err.(*GeneratorError)
	if !ok {
		t.Fatalf("got error of type %T, want *GeneratorError", err)
	}
	if genErr.ExitCode != 7 {
		t.Fatalf("got exit code %d, want 7", genErr.ExitCode)
	}
}

func TestGeneratorRunnerForwardsIgnoreMissingDevices(t *testing.T) {
	dir := t.TempDir()
	wrapper := filepath.Join(dir, "fake-generator.sh")
	marker := filepath.Join(dir, "saw-flag")
	script := "#!/bin/sh\nfor a in \"$@\"; do\n  if [ \"$a\" = \"--ignore-missing-devices\" ]; then touch \"" + marker + "\"; fi\ndone\nexit 0\n"
	if err := os.WriteFile(wrapper, []byte(script), 0o700); err != nil {
		t.Fatalf("write wrapper: %v", err)
	}

	gen := GeneratorRunner{Program: wrapper}
	if err := gen.Run("in.xml", "out.conf", "info.xml", true); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := os.Stat(marker); err != nil {
		t.Fatalf("expected --ignore-missing-devices to reach the generator: %v", err)
	}
}

// generatorRunnerForTest writes a small real shell script that plays the
// role of the external config generator, touching the two paths it is
// asked to produce, and returns a GeneratorRunner pointed at it.
func generatorRunnerForTest(t *testing.T) GeneratorRunner {
	t.Helper()
	dir := t.TempDir()
	wrapper := filepath.Join(dir, "fake-generator.sh")
	script := "#!/bin/sh\nfor a in \"$@\"; do\n  case \"$a\" in\n    --output=*) out=\"${a#--output=}\" ;;\n    --server-info=*) info=\"${a#--server-info=}\" ;;\n  esac\ndone\ntouch \"$out\" \"$info\"\nexit 0\n"
	if err := os.WriteFile(wrapper, []byte(script), 0o700); err != nil {
		t.Fatalf("write wrapper: %v", err)
	}
	return GeneratorRunner{Program: wrapper}
}
