//go:build linux

// Package sandbox builds the isolated chroot a jormungandr front-end runs
// build commands inside: a fresh user+mount namespace, a read-only bind of
// the toolchain root, host /dev, /proc and /sys bound in, and the five
// staging directories bound or tmpfs-backed per the sandbox description.
//
// This is the hermetic core of the harness: it is implemented directly
// against golang.org/x/sys/unix rather than shelling out to a setuid helper,
// matching the reference implementation's orm_sandbox state machine step for
// step.
package sandbox

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Mapped uid/gid inside the sandbox for a non-root entry, matching the
// reference implementation's fixed "unprivileged build user" convention.
const unprivilegedID = 100

// Staging mountpoints, relative to the sandbox root. These are compile-time
// literals: no front-end or description field ever overrides the destination
// path, only whether and what to bind there.
const (
	DestSysroot = "/var/sysroot"
	DestBsys    = "/var/bsys"
	DestDest    = "/var/dest"
	DestObj     = "/var/obj"
	DestSrc     = "/var/src"
)

// Description is the full set of inputs orm_sandbox needs to construct a
// sandbox. Root is the only mandatory field; every other staging directory
// is optional and, when empty, is backed by tmpfs instead of a bind mount.
type Description struct {
	Root string

	Sysroot string
	BsysDir string
	DestDir string
	ObjDir  string
	SrcDir  string

	AsRoot    bool
	ROSysroot bool
	ROSrcdir  bool

	// TmpSize, in bytes, becomes the tmpfs size= mount option for every
	// tmpfs-backed staging directory and for /tmp. Zero means "no explicit
	// limit" (the kernel default, typically half of physical RAM).
	TmpSize uint64
}

// Enter performs the full sandbox construction state machine in the calling
// process: unshare, bind mounts, chroot, id map writes, and environment
// reset, in that exact order. olduid/oldgid must be captured by the caller
// before Enter runs, since once Enter has unshared the user namespace the
// process no longer sees its host ids.
//
// Enter does not attempt to unwind partial progress on failure: the calling
// process is expected to exit shortly after a failed Enter, since by that
// point namespaces may already be partially unshared.
func Enter(desc *Description, olduid, oldgid int) error {
	// unshare(2) and the mount/chroot calls that follow only take effect on
	// the calling OS thread; without pinning, the Go scheduler is free to
	// resume this goroutine on a different thread partway through and have
	// later steps silently run outside the new namespace.
	runtime.LockOSThread()

	tmpfsData := ""
	if desc.TmpSize != 0 {
		tmpfsData = "size=" + strconv.FormatUint(desc.TmpSize, 10)
	}

	if err := unix.Unshare(unix.CLONE_NEWUSER | unix.CLONE_NEWNS); err != nil {
		return fmt.Errorf("sandbox: unshare: %w", err)
	}

	if err := remountBind(desc.Root, "/", desc.Root, unix.MS_RDONLY); err != nil {
		return fmt.Errorf("sandbox: remounting root read-only: %w", err)
	}

	for _, host := range []string{"/dev", "/proc", "/sys"} {
		if err := remountBind(desc.Root, host, host, 0); err != nil {
			return fmt.Errorf("sandbox: binding %s: %w", host, err)
		}
	}

	roFlag := func(ro bool) uintptr {
		if ro {
			return unix.MS_RDONLY
		}
		return 0
	}

	staging := []struct {
		dst   string
		src   string
		flags uintptr
	}{
		{DestSysroot, desc.Sysroot, roFlag(desc.ROSysroot)},
		{DestBsys, desc.BsysDir, unix.MS_RDONLY},
		{DestDest, desc.DestDir, 0},
		{DestObj, desc.ObjDir, 0},
		{DestSrc, desc.SrcDir, roFlag(desc.ROSrcdir)},
	}

	for _, s := range staging {
		if err := mountWorkdir(desc.Root, s.dst, s.src, tmpfsData, s.flags); err != nil {
			return fmt.Errorf("sandbox: mounting %s: %w", s.dst, err)
		}
	}

	if err := unix.Chroot(desc.Root); err != nil {
		return fmt.Errorf("sandbox: chroot: %w", err)
	}

	if err := unix.Mount("tmpfs", "/tmp", "tmpfs", unix.MS_NOSUID|unix.MS_NODEV, tmpfsData); err != nil {
		return fmt.Errorf("sandbox: mounting /tmp: %w", err)
	}

	newuid, newgid := unprivilegedID, unprivilegedID
	if desc.AsRoot {
		newuid, newgid = 0, 0
	}

	if err := procfsIDMap("/proc/self/uid_map", olduid, newuid); err != nil {
		return fmt.Errorf("sandbox: writing uid_map: %w", err)
	}

	if err := procfsWrite("/proc/self/setgroups", "deny"); err != nil {
		return fmt.Errorf("sandbox: denying setgroups: %w", err)
	}

	if err := procfsIDMap("/proc/self/gid_map", oldgid, newgid); err != nil {
		return fmt.Errorf("sandbox: writing gid_map: %w", err)
	}

	resetEnvironment()

	if err := passwdSetup("/etc/passwd", newuid); err != nil {
		return fmt.Errorf("sandbox: passwd setup: %w", err)
	}

	home := os.Getenv("HOME")
	if home == "" {
		home = "/"
	}

	if err := unix.Chdir(home); err != nil {
		return fmt.Errorf("sandbox: chdir %s: %w", home, err)
	}

	return nil
}

// remountBind bind-mounts src onto root+dst, recursively, and if flags
// requests MS_RDONLY, performs the mandatory two-step dance: the kernel does
// not let a bind mount become read-only in the same mount(2) call that
// creates it, so a private remount-bind-readonly follows.
func remountBind(root, dst, src string, flags uintptr) error {
	path := root + dst

	if err := unix.Mount(src, path, "", unix.MS_REC|unix.MS_BIND, ""); err != nil {
		return err
	}

	if flags&unix.MS_RDONLY != 0 {
		if err := unix.Mount("", path, "", unix.MS_PRIVATE, ""); err != nil {
			return err
		}
		if err := unix.Mount("", path, "", unix.MS_REMOUNT|unix.MS_RDONLY|unix.MS_BIND, ""); err != nil {
			return err
		}
	}

	return nil
}

// mountWorkdir binds src onto root+dst when src is set (read-only if flags
// requests MS_RDONLY), otherwise mounts a writable tmpfs there.
func mountWorkdir(root, dst, src, tmpfsData string, flags uintptr) error {
	path := root + dst

	if src != "" {
		return remountBindPath(path, src, flags)
	}

	return unix.Mount("tmpfs", path, "tmpfs", unix.MS_NOSUID|unix.MS_NODEV, tmpfsData)
}

func remountBindPath(path, src string, flags uintptr) error {
	if err := unix.Mount(src, path, "", unix.MS_REC|unix.MS_BIND, ""); err != nil {
		return err
	}

	if flags&unix.MS_RDONLY != 0 {
		if err := unix.Mount("", path, "", unix.MS_PRIVATE, ""); err != nil {
			return err
		}
		if err := unix.Mount("", path, "", unix.MS_REMOUNT|unix.MS_RDONLY|unix.MS_BIND, ""); err != nil {
			return err
		}
	}

	return nil
}

func procfsWrite(path, s string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	n, err := f.WriteString(s)
	if err != nil {
		return err
	}
	if n != len(s) {
		return fmt.Errorf("short write to %s", path)
	}
	return nil
}

func procfsIDMap(path string, old, new int) error {
	return procfsWrite(path, fmt.Sprintf("%d %d 1\n", new, old))
}

// resetEnvironment clears every environment variable and sets the minimal
// PATH the sandboxed process should see; passwdSetup fills in the
// identity-derived variables afterward.
func resetEnvironment() {
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			os.Unsetenv(kv[:i])
		}
	}
	os.Setenv("PATH", "/usr/bin:/usr/sbin")
}

// passwdSetup scans /etc/passwd (now the sandboxed one, post-chroot) for an
// entry matching uid and, if found, exports HOME/SHELL/LOGNAME/USER from it.
// A missing entry is not an error: the sandbox simply runs with no home
// directory influence beyond PATH, matching the reference implementation's
// "pw == NULL is fine" behavior.
func passwdSetup(path string, uid int) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Split(line, ":")
		if len(fields) < 7 {
			continue
		}
		entryUID, err := strconv.Atoi(fields[2])
		if err != nil || entryUID != uid {
			continue
		}

		os.Setenv("HOME", fields[5])
		os.Setenv("SHELL", fields[6])
		os.Setenv("LOGNAME", fields[0])
		os.Setenv("USER", fields[0])
		return nil
	}

	return nil
}
