// Package moxio has common i/o helpers for writing files durably and limiting
// input.
package moxio

import (
	"github.com/mjl-/hookmta/mlog"
)

// SyncDir is a no-op on Windows, directories cannot be opened for syncing.
func SyncDir(log mlog.Log, dir string) error {
	return nil
}
