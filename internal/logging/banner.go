package logging

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
)

// ANSI color codes.
const (
	reset  = "\033[0m"
	bold   = "\033[1m"
	cyan   = "\033[36m"
	green  = "\033[32m"
	yellow = "\033[33m"
	dim    = "\033[2m"
)

// Logo lines, base AgentIM ASCII art.
var logoLines = [6]string{
	`     _                    _   ___ __  __ `,
	`    / \   __ _  ___ _ __ | |_|_ _|  \/  |`,
	`   / _ \ / _` + "`" + ` |/ _ \ '_ \| __|| || |\/| |`,
	`  / ___ \ (_| |  __/ | | | |_ | || |  | |`,
	` /_/   \_\__, |\___|_| |_|\__|___|_|  |_|`,
	`         |___/                           `,
}

// Mode-specific ASCII art (right-side, same height as logo).
var hubArt = [6]string{
	`  _   _       _     `,
	` | | | |_   _| |__  `,
	` | |_| | | | | '_ \ `,
	` |  _  | |_| | |_) |`,
	` |_| |_|\__,_|_.__/ `,
	`                    `,
}

var gatewayArt = [6]string{
	`   ____       _                            `,
	`  / ___| __ _| |_ _____      ____ _ _   _  `,
	` | |  _ / _` + "`" + ` | __/ _ \ \ /\ / / _` + "`" + ` | | | | `,
	` | |_| | (_| | ||  __/\ V  V / (_| | |_| | `,
	`  \____|\__,_|\__\___| \_/\_/ \__,_|\__, | `,
	`                                    |___/  `,
}

// PrintBanner prints the AgentIM ASCII art logo with mode-specific
// art appended to the right. Below the art it prints version and
// target address. Colors are used only when stderr is a TTY.
func PrintBanner(mode, ver, addr string) {
	color := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())

	modeArt := &hubArt
	modeColor := green
	if mode == "gateway" {
		modeArt = &gatewayArt
		modeColor = yellow
	}

	for i := 0; i < 6; i++ {
		if color {
			fmt.Fprintf(os.Stderr, "%s%s%s%s%s%s\n",
				bold+cyan, logoLines[i], reset,
				bold+modeColor, modeArt[i], reset)
		} else {
			fmt.Fprintf(os.Stderr, "%s%s\n", logoLines[i], modeArt[i])
		}
	}

	// Info line below the art.
	if color {
		fmt.Fprintf(os.Stderr, "\n  %sversion%s %s   %saddr%s %s\n\n",
			dim, reset, ver, dim, reset, addr)
	} else {
		fmt.Fprintf(os.Stderr, "\n  version %s   addr %s\n\n", ver, addr)
	}
}
