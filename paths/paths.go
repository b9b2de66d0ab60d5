// Package paths resolves toolchain and bsys names to absolute directories
// under the XDG data hierarchy, mirroring the reference orm_data_path walk:
// XDG_DATA_HOME (or $HOME/.local/share) first, then each entry of
// XDG_DATA_DIRS (or the default /usr/local/share/:/usr/share/ pair).
package paths

import (
	"bufio"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ErrInvalidName is returned for empty names, names starting with '.', or
// names containing a path separator.
var ErrInvalidName = errors.New("paths: invalid name")

// ErrNotFound is returned when no candidate in the search order exists.
var ErrNotFound = errors.New("paths: not found")

const (
	toolchainPrefix = "jormungandr/toolchain"
	bsysPrefix      = "jormungandr/bsys"

	defaultDataDirs = "/usr/local/share/:/usr/share/"
)

// ResolveToolchain resolves name under the toolchain data prefix.
func ResolveToolchain(name string) (string, error) {
	return resolve(toolchainPrefix, name)
}

// ResolveBsys resolves name under the bsys data prefix.
func ResolveBsys(name string) (string, error) {
	return resolve(bsysPrefix, name)
}

// ResolveSrcdir runs command through a shell, takes its first line of
// output, and resolves it to an absolute, symlink-free path — mirroring
// the reference cmdpath(): popen the command, getline the first line,
// trim trailing whitespace, then realpath(3) it.
func ResolveSrcdir(command string) (string, error) {
	cmd := exec.Command("sh", "-c", command)

	out, err := cmd.StdoutPipe()
	if err != nil {
		return "", err
	}

	if err := cmd.Start(); err != nil {
		return "", err
	}

	scanner := bufio.NewScanner(out)
	var line string
	if scanner.Scan() {
		line = strings.TrimRight(scanner.Text(), " \t\r\n")
	}

	if err := cmd.Wait(); err != nil {
		return "", err
	}

	if line == "" {
		return "", ErrNotFound
	}

	return filepath.EvalSymlinks(line)
}

func resolve(prefix, name string) (string, error) {
	if name == "" || name[0] == '.' || strings.ContainsRune(name, '/') {
		return "", ErrInvalidName
	}

	home, err := dataHome()
	if err != nil {
		return "", err
	}

	if p, ok := tryJoin(home, prefix, name); ok {
		return p, nil
	}

	for _, dir := range dataDirs() {
		if p, ok := tryJoin(dir, prefix, name); ok {
			return p, nil
		}
	}

	return "", ErrNotFound
}

func dataHome() (string, error) {
	if v := os.Getenv("XDG_DATA_HOME"); strings.HasPrefix(v, "/") {
		return v, nil
	}

	home := os.Getenv("HOME")
	if !strings.HasPrefix(home, "/") {
		return "", ErrInvalidName
	}

	return filepath.Join(home, ".local", "share"), nil
}

func dataDirs() []string {
	v := os.Getenv("XDG_DATA_DIRS")
	if v == "" {
		v = defaultDataDirs
	}

	var dirs []string
	for _, d := range strings.Split(v, ":") {
		if d != "" {
			dirs = append(dirs, d)
		}
	}
	return dirs
}

func tryJoin(datadir, prefix, name string) (string, bool) {
	candidate := filepath.Join(datadir, prefix, name)
	real, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		return "", false
	}
	return real, true
}
