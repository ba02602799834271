package env

import (
	"os"
	"path/filepath"
)

const (
	CONFIG_DIR_NAME = "agvclient"

	CONFIG_DIR_ENV = "AGVCLIENT_CONFIG_DIR"
	CWD_CONFIG_DIR = ".agvclient"
)

// In increasing priority order, later files override earlier ones:
//
// /etc/agvclient/
// $XDG_CONFIG_HOME/agvclient/ OR $HOME/.config/agvclient/
// ./.agvclient/
// $AGVCLIENT_CONFIG_DIR/
func resolvePaths() []string {
	paths := []string{filepath.Join("/etc/", CONFIG_DIR_NAME)}

	if cfgDir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(cfgDir, CONFIG_DIR_NAME))
	}

	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, CWD_CONFIG_DIR))
	}

	if p := os.Getenv(CONFIG_DIR_ENV); p != "" {
		paths = append(paths, p)
	}

	return paths
}
