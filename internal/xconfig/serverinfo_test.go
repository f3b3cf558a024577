package xconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadServerInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "serverinfo-0.xml")
	doc := `<serverinfo>
		<uses_all_gpus>0</uses_all_gpus>
		<x_cmdline_arg><name>depth</name><value>24</value></x_cmdline_arg>
		<x_cmdline_arg><name>config</name><value>/should/be/dropped</value></x_cmdline_arg>
		<temp_edid_file>/var/run/vizstack/edid-0-tmp1</temp_edid_file>
	</serverinfo>`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	info, err := LoadServerInfo(path)
	if err != nil {
		t.Fatalf("LoadServerInfo: %v", err)
	}
	if info.UsesAllGPUs {
		t.Fatal("expected UsesAllGPUs=false")
	}
	if len(info.ExtraArgs) != 1 || info.ExtraArgs[0].Name != "depth" {
		t.Fatalf("got extra args %v, want only 'depth'", info.ExtraArgs)
	}
	if len(info.TempEdidFile) != 1 {
		t.Fatalf("got %d temp edid files, want 1", len(info.TempEdidFile))
	}
}

func TestDisplayArgsSharesVTsWhenNotAllGPUs(t *testing.T) {
	info := &ServerInfo{UsesAllGPUs: false}
	args := info.DisplayArgs("/var/run/vizstack/xorg-0.conf")
	want := []string{"-config", "/var/run/vizstack/xorg-0.conf", "-sharevts", "-novtswitch"}
	if len(args) != len(want) {
		t.Fatalf("got %v, want %v", args, want)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Fatalf("got %v, want %v", args, want)
		}
	}
}

func TestDisplayArgsOmitsSharedVTsWhenAllGPUs(t *testing.T) {
	info := &ServerInfo{UsesAllGPUs: true}
	args := info.DisplayArgs("/var/run/vizstack/xorg-0.conf")
	for _, a := range args {
		if a == "-sharevts" || a == "-novtswitch" {
			t.Fatalf("did not expect %q when server uses all GPUs", a)
		}
	}
}
