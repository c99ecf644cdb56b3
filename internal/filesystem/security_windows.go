//go:build windows

package filesystem

import (
	"fmt"

	"golang.org/x/sys/windows"
)

func currentUserSID() (string, error) {
	token := windows.GetCurrentProcessToken()
	user, err := token.GetTokenUser()
	if err != nil {
		return "", fmt.Errorf("failed to read process token user: %w", err)
	}
	return user.User.Sid.String(), nil
}
