package modules

import (
	"strings"

	"github.com/opsrig/opsrig/pkg/connection"
)

func runShell() connection.RunOptions {
	return connection.RunOptions{Shell: true}
}

func runShellBecome() connection.RunOptions {
	return connection.RunOptions{Shell: true, Become: true}
}

// shellQuote single-quotes a string for /bin/sh.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
