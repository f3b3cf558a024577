package xconfig

import (
	"fmt"
	"os"
)

// WriteXUserRecord writes the single-line xuser-<N> record (§6.5):
// "<username> <supervisor-pid> <rgs-prompt-flag>". It is used by the
// access-control helper to find who owns a running display server.
func WriteXUserRecord(path, username string, pid int, rgsPromptUser bool) error {
	flag := 0
	if rgsPromptUser {
		flag = 1
	}
	line := fmt.Sprintf("%s %d %d", username, pid, flag)
	if err := os.WriteFile(path, []byte(line), 0o644); err != nil {
		return fmt.Errorf("xconfig: write xuser record %s: %w", path, err)
	}
	return nil
}
