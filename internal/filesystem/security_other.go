//go:build !windows

package filesystem

import (
	"fmt"
	"os"
)

// currentUserSID maps the process uid into the Unix-user SID space.
func currentUserSID() (string, error) {
	return fmt.Sprintf("S-1-22-1-%d", os.Getuid()), nil
}
