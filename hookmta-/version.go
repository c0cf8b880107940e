package hookmta

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"runtime/debug"
	"testing"
)

// Version of this build, from the module version or the vcs revision.
var Version = "(devel)"

func init() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	Version = info.Main.Version
	if Version != "(devel)" {
		return
	}
	var rev, modified string
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value
		case "vcs.modified":
			modified = s.Value
		}
	}
	if rev == "" {
		return
	}
	Version = rev
	if modified == "true" {
		Version += "+modifications"
	}
}

// RegisterLogger is meant for bstore.Options.RegisterLogger. Under test, new
// database files get no logger, schema registration would only add noise.
func RegisterLogger(path string, log *slog.Logger) *slog.Logger {
	if !testing.Testing() {
		return log
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return log
}
