// Package term switches the controlling terminal into raw mode so guest
// console input arrives byte by byte.
package term

import (
	"os"

	"golang.org/x/term"
)

func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// SetRawMode puts stdin into raw mode and returns the restore function.
func SetRawMode() (func(), error) {
	old, err := term.MakeRaw(int(os.Stdin.Fd()))
	if err != nil {
		return func() {}, err
	}

	return func() {
		_ = term.Restore(int(os.Stdin.Fd()), old)
	}, nil
}
