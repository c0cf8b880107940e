package hookmta

import (
	"path/filepath"
)

// DataDirPath returns the path for file f in the data directory. Absolute paths
// are returned as is. A relative DataDir is relative to the directory of the
// config file.
func DataDirPath(f string) string {
	return dataDirPath(ConfigStaticPath, Conf.Static.DataDir, f)
}

// configDirPath resolves f, e.g. a TLS certificate file, against the directory
// holding configFile.
func configDirPath(configFile, f string) string {
	if filepath.IsAbs(f) {
		return f
	}
	return filepath.Join(filepath.Dir(configFile), f)
}

func dataDirPath(configFile, dataDir, f string) string {
	if filepath.IsAbs(f) {
		return f
	}
	return filepath.Join(configDirPath(configFile, dataDir), f)
}
