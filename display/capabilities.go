package display

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"golang.org/x/term"
)

// ColorMode decides whether output is colored.
type ColorMode string

const (
	ColorAuto   ColorMode = "auto"
	ColorAlways ColorMode = "always"
	ColorNever  ColorMode = "never"
)

// ParseColorMode accepts auto, always or never. Empty means auto.
func ParseColorMode(s string) (ColorMode, error) {
	switch mode := ColorMode(strings.ToLower(strings.TrimSpace(s))); mode {
	case "":
		return ColorAuto, nil
	case ColorAuto, ColorAlways, ColorNever:
		return mode, nil
	}
	return "", fmt.Errorf("unknown color mode %q: must be auto, always or never", s)
}

// TerminalCapabilities represents what the terminal supports
type TerminalCapabilities struct {
	SupportsColor   bool
	SupportsUnicode bool
	Width           int
	IsTerminal      bool
}

// DetectCapabilities inspects f, usually os.Stdout.
func DetectCapabilities(f *os.File) TerminalCapabilities {
	fd := int(f.Fd())
	isTerminal := term.IsTerminal(fd)
	return TerminalCapabilities{
		SupportsColor:   isTerminal && detectColorSupport(),
		SupportsUnicode: detectUnicodeSupport(),
		Width:           terminalWidth(fd),
		IsTerminal:      isTerminal,
	}
}

// UseColor resolves mode against the detected terminal.
func (c TerminalCapabilities) UseColor(mode ColorMode) bool {
	switch mode {
	case ColorAlways:
		return true
	case ColorNever:
		return false
	}
	return c.SupportsColor
}

// detectColorSupport checks the environment conventions for color output
func detectColorSupport() bool {
	if isCI() {
		return false
	}

	if os.Getenv("NO_COLOR") != "" {
		return false
	}

	if os.Getenv("FORCE_COLOR") != "" {
		return true
	}

	return os.Getenv("TERM") != "dumb"
}

// detectUnicodeSupport checks if the terminal supports Unicode
func detectUnicodeSupport() bool {
	// Windows Command Prompt has limited Unicode support
	if runtime.GOOS == "windows" {
		return false
	}

	for _, env := range []string{"LC_ALL", "LC_CTYPE", "LANG"} {
		if val := os.Getenv(env); val != "" {
			return strings.Contains(strings.ToLower(val), "utf")
		}
	}

	return true
}

// isCI checks if we're running in a CI environment
func isCI() bool {
	for _, v := range []string{"CI", "GITHUB_ACTIONS", "JENKINS_URL", "TRAVIS", "CIRCLECI"} {
		if os.Getenv(v) != "" {
			return true
		}
	}
	return false
}

func terminalWidth(fd int) int {
	width, _, err := term.GetSize(fd)
	if err != nil || width <= 0 {
		return 80
	}
	return width
}
