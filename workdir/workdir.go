// Package workdir provisions the per-workspace scratch directories jormungandr
// front-ends stage builds in: a persistent cache tree under XDG_CACHE_HOME
// (or $HOME/.cache) or an ephemeral tree under XDG_RUNTIME_DIR, mirroring the
// reference orm_workdir.
package workdir

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// ErrInvalidWorkspace is returned for an empty workspace, one starting with
// '.', or one containing a path separator.
var ErrInvalidWorkspace = errors.New("workdir: invalid workspace name")

// ErrNoBase is returned when the required base directory environment
// variable (or its fallback) is unavailable.
var ErrNoBase = errors.New("workdir: no usable base directory")

// ErrWorkspaceUnresolved is returned by ProvisionFromEnv when neither an
// explicit workspace override nor a resolvable srcdir is available.
var ErrWorkspaceUnresolved = errors.New("workdir: workspace could not be resolved")

const rootComponent = "jormungandr"

// Provision creates (if missing) and returns the realpath of
// <base>/jormungandr/<workspace>/<name>, where base is the XDG cache home
// when persistent is true, or XDG_RUNTIME_DIR when it is false.
func Provision(workspace, name string, persistent bool) (string, error) {
	if workspace == "" || workspace[0] == '.' || strings.ContainsRune(workspace, '/') {
		return "", ErrInvalidWorkspace
	}

	base, err := baseDir(persistent)
	if err != nil {
		return "", err
	}

	target := filepath.Join(base, rootComponent, workspace, name)
	if err := mkdirs(target); err != nil {
		return "", err
	}

	return filepath.EvalSymlinks(target)
}

// ProvisionFromEnv resolves the workspace name per the `-w`/`-p` contract:
// an explicit override wins; otherwise the workspace is inferred from the
// base name of a resolved source directory. If neither is available,
// ErrWorkspaceUnresolved is returned.
func ProvisionFromEnv(override, resolvedSrcdir, name string, persistent bool) (string, error) {
	workspace := override
	if workspace == "" {
		if resolvedSrcdir == "" {
			return "", ErrWorkspaceUnresolved
		}
		workspace = filepath.Base(resolvedSrcdir)
	}

	return Provision(workspace, name, persistent)
}

func baseDir(persistent bool) (string, error) {
	if persistent {
		if v := os.Getenv("XDG_CACHE_HOME"); strings.HasPrefix(v, "/") {
			return v, nil
		}
		home := os.Getenv("HOME")
		if !strings.HasPrefix(home, "/") {
			return "", ErrNoBase
		}
		return filepath.Join(home, ".cache"), nil
	}

	v := os.Getenv("XDG_RUNTIME_DIR")
	if !strings.HasPrefix(v, "/") {
		return "", ErrNoBase
	}
	return v, nil
}

// mkdirs recursively creates path and its missing parents, mode 0700,
// tolerating an already-existing final component.
func mkdirs(path string) error {
	err := os.Mkdir(path, 0700)
	if err == nil || os.IsExist(err) {
		return nil
	}
	if !os.IsNotExist(err) {
		return err
	}

	parent := filepath.Dir(path)
	if parent == path {
		return err
	}
	if err := mkdirs(parent); err != nil {
		return err
	}

	err = os.Mkdir(path, 0700)
	if err != nil && !os.IsExist(err) {
		return err
	}
	return nil
}
