package output

import (
	"os"

	"golang.org/x/term"
)

func terminalHeight() int {
	_, height, err := term.GetSize(int(os.Stderr.Fd()))
	if err != nil || height <= 0 {
		return 24
	}
	return height
}
