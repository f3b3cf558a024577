package xconfig

import (
	"encoding/xml"
	"fmt"
	"os"
)

// ArgValue is a single extra command-line argument the config generator
// decided the display server needs, as reported in server-info.
type ArgValue struct {
	Name  string `xml:"name"`
	Value string `xml:"value"`
}

// ServerInfo is the decoded serverinfo-<N>.xml the config generator
// produces after a successful run.
type ServerInfo struct {
	XMLName      xml.Name   `xml:"serverinfo"`
	UsesAllGPUs  bool       `xml:"uses_all_gpus"`
	ExtraArgs    []ArgValue `xml:"x_cmdline_arg"`
	TempEdidFile []string   `xml:"temp_edid_file"`
}

// LoadServerInfo reads and decodes the server-info file at path, filtering
// ExtraArgs through the same deny-list applied to the original command
// line (§4.4).
func LoadServerInfo(path string) (*ServerInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("xconfig: read server-info %s: %w", path, err)
	}
	var info ServerInfo
	if err := xml.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("xconfig: parse server-info %s: %w", path, err)
	}
	info.ExtraArgs = FilterExtraArgs(info.ExtraArgs)
	return &info, nil
}

// DisplayArgs builds the command-line arguments to append to the display
// server's own argv: the generated config path, -sharevts/-novtswitch when
// the server does not use all GPUs, and the filtered extra arguments.
func (info *ServerInfo) DisplayArgs(generatedConfigPath string) []string {
	args := []string{"-config", generatedConfigPath}
	if !info.UsesAllGPUs {
		args = append(args, "-sharevts", "-novtswitch")
	}
	for _, a := range info.ExtraArgs {
		name := a.Name
		if name == "" {
			continue
		}
		if name[0] != '-' {
			name = "-" + name
		}
		args = append(args, name)
		if a.Value != "" {
			args = append(args, a.Value)
		}
	}
	return args
}
