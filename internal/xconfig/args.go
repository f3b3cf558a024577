// Package xconfig implements Config Fetch & Materialize (C4): obtaining the
// per-server XML description, authorizing its owner, invoking the external
// config generator, and staging the resulting files.
package xconfig

import (
	"fmt"
	"os"
	"strings"
)

// deniedFlags subvert the configuration this supervisor generates and are
// never allowed on the command line, normal or virtual variant alike.
var deniedFlags = map[string]bool{
	"-config":     true,
	"-layout":     true,
	"-sharevts":   true,
	"-novtswitch": true,
}

// ParsedArgs is the result of sanitizing the caller's argument vector.
type ParsedArgs struct {
	// Display is the display designator argument (e.g. ":0"), sans leading
	// colon stripped by ServerNumber.
	Display      string
	ServerNumber int
	// AuthFile is the path given via -auth, if any.
	AuthFile string
	// RGSPromptUser and IgnoreMissingDevices are the two supervisor-only
	// flags, consumed here and never forwarded to the display server.
	RGSPromptUser        bool
	IgnoreMissingDevices bool
	// Forward is the remaining argument vector to pass through to the
	// display server (the caller appends ServerInfo.DisplayArgs later).
	Forward []string
}

// SanitizeArgs filters argv (not including argv[0]) per §4.4: reject the
// deny-list, capture the display designator and -auth flag (verifying the
// named file is readable by the invoking user before privilege elevation),
// and strip the two supervisor-only flags.
func SanitizeArgs(argv []string) (ParsedArgs, error) {
	var p ParsedArgs
	p.ServerNumber = -1

	for i := 0; i < len(argv); i++ {
		arg := argv[i]

		if deniedFlags[arg] {
			return ParsedArgs{}, fmt.Errorf("xconfig: argument %q is not allowed; its use is reserved for the supervisor", arg)
		}

		switch {
		case strings.HasPrefix(arg, ":"):
			n, err := parseServerNumber(arg)
			if err != nil {
				return ParsedArgs{}, err
			}
			p.Display = arg
			p.ServerNumber = n
			p.Forward = append(p.Forward, arg)

		case arg == "-auth":
			if i+1 >= len(argv) {
				return ParsedArgs{}, fmt.Errorf("xconfig: -auth requires a path argument")
			}
			i++
			path := argv[i]
			if err := checkReadable(path); err != nil {
				return ParsedArgs{}, fmt.Errorf("xconfig: access denied to auth file %s: %w", path, err)
			}
			p.AuthFile = path
			p.Forward = append(p.Forward, "-auth", path)

		case arg == "--rgs-prompt-user":
			p.RGSPromptUser = true
			// not forwarded: the display server does not understand it.

		case arg == "--ignore-missing-devices":
			p.IgnoreMissingDevices = true
			// not forwarded: consumed entirely by the config generator step.

		default:
			p.Forward = append(p.Forward, arg)
		}
	}

	if p.ServerNumber < 0 {
		return ParsedArgs{}, fmt.Errorf("xconfig: no display designator (e.g. \":0\") found in arguments")
	}
	return p, nil
}

func parseServerNumber(display string) (int, error) {
	trimmed := strings.TrimPrefix(display, ":")
	var n int
	if _, err := fmt.Sscanf(trimmed, "%d", &n); err != nil || n < 0 {
		return 0, fmt.Errorf("xconfig: invalid display designator %q", display)
	}
	return n, nil
}

func checkReadable(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	return f.Close()
}

// FilterExtraArgs applies the same deny-list (plus xinerama, which the
// server-info step may additionally try to smuggle in) to command-line
// arguments the config generator reports back via server-info.
func FilterExtraArgs(args []ArgValue) []ArgValue {
	denied := map[string]bool{
		"config":     true,
		"sharevts":   true,
		"novtswitch": true,
		"xinerama":   true,
		"layout":     true,
	}
	out := make([]ArgValue, 0, len(args))
	for _, a := range args {
		if denied[strings.TrimPrefix(a.Name, "-")] {
			continue
		}
		out = append(out, a)
	}
	return out
}
