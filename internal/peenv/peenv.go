// Package peenv wires the ambient logging/environment setup shared by
// every cmd/ entrypoint (SPEC_FULL.md AMBIENT STACK "Logging"):
// logrus.Entry construction, level parsed from a RUST_LOG-shaped env
// var, and the runtime directory convention for socket placement
// (spec §6 "Environment variables").
package peenv

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// LogLevelEnv is the RUST_LOG-shaped leveled-logging env var named in
// spec §6. Accepted values are logrus level names ("trace", "debug",
// "info", "warn", "error"); anything else, or an unset var, is "info".
const LogLevelEnv = "RUST_LOG"

// RuntimeDirEnv names the directory used for per-process socket
// placement (spec §6 "RUNTIME_DIRECTORY").
const RuntimeDirEnv = "RUNTIME_DIRECTORY"

// NewLogger returns a component-tagged logrus.Entry with its level set
// from LogLevelEnv.
func NewLogger(component string) *logrus.Entry {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(parseLevel(os.Getenv(LogLevelEnv)))
	return l.WithField("component", component)
}

func parseLevel(s string) logrus.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "", "info":
		return logrus.InfoLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// RuntimeDir returns RUNTIME_DIRECTORY if set, else a process-local
// fallback under os.TempDir so a daemon run outside systemd still has
// somewhere to place its sockets.
func RuntimeDir() string {
	if d := os.Getenv(RuntimeDirEnv); d != "" {
		return d
	}
	return filepath.Join(os.TempDir(), "pe")
}
