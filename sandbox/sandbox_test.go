//go:build linux

package sandbox

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// enterHelperEnv, when set to "1", tells TestMain that this process is the
// re-exec'd helper for TestEnterConstructsSandboxSuccessfully rather than the
// top-level `go test` run: Enter mutates process-global state (namespaces,
// chroot, environment) permanently, so it must never run inside the actual
// test binary process, only a disposable child of it.
const enterHelperEnv = "JORMUNGANDR_SANDBOX_ENTER_HELPER"

func TestMain(m *testing.M) {
	if os.Getenv(enterHelperEnv) == "1" {
		runEnterHelper()
		return
	}
	os.Exit(m.Run())
}

// runEnterHelper rebuilds a Description from environment variables set by
// TestEnterConstructsSandboxSuccessfully, calls Enter for real, and reports
// the resulting sandbox state back to the parent as key=value lines on
// stdout, since the helper's own stdout/stderr are the only channel left
// once it has chrooted and reset its environment.
func runEnterHelper() {
	desc := &Description{
		Root:      os.Getenv("JORM_TEST_ROOT"),
		Sysroot:   os.Getenv("JORM_TEST_SYSROOT"),
		BsysDir:   os.Getenv("JORM_TEST_BSYSDIR"),
		DestDir:   os.Getenv("JORM_TEST_DESTDIR"),
		ObjDir:    os.Getenv("JORM_TEST_OBJDIR"),
		SrcDir:    os.Getenv("JORM_TEST_SRCDIR"),
		AsRoot:    os.Getenv("JORM_TEST_ASROOT") == "1",
		ROSysroot: os.Getenv("JORM_TEST_ROSYSROOT") == "1",
		ROSrcdir:  os.Getenv("JORM_TEST_ROSRCDIR") == "1",
	}
	if v := os.Getenv("JORM_TEST_TMPSIZE"); v != "" {
		size, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "bad tmpsize: %v\n", err)
			os.Exit(1)
		}
		desc.TmpSize = size
	}

	olduid, _ := strconv.Atoi(os.Getenv("JORM_TEST_OLDUID"))
	oldgid, _ := strconv.Atoi(os.Getenv("JORM_TEST_OLDGID"))

	if err := Enter(desc, olduid, oldgid); err != nil {
		fmt.Fprintf(os.Stderr, "enter: %v\n", err)
		os.Exit(1)
	}

	report := map[string]string{
		"PATH":    os.Getenv("PATH"),
		"HOME":    os.Getenv("HOME"),
		"SHELL":   os.Getenv("SHELL"),
		"LOGNAME": os.Getenv("LOGNAME"),
		"USER":    os.Getenv("USER"),
		"CWD":     mustGetwd(),
	}
	for name, path := range map[string]string{
		"DEV_NULL":     "/dev/null",
		"PROC_SELF":    "/proc/self",
		"SYS_KERNEL":   "/sys/kernel",
		"VAR_SYSROOT":  DestSysroot,
		"VAR_BSYS":     DestBsys,
		"VAR_DEST":     DestDest,
		"VAR_OBJ":      DestObj,
		"VAR_SRC":      DestSrc,
		"VAR_SRC_FILE": DestSrc + "/marker",
	} {
		_, err := os.Stat(path)
		report["EXISTS_"+name] = strconv.FormatBool(err == nil)
	}

	tmpProbe := filepath.Join("/tmp", "jormungandr-enter-helper-probe")
	report["TMP_WRITABLE"] = strconv.FormatBool(os.WriteFile(tmpProbe, []byte("x"), 0644) == nil)

	uidMap, _ := os.ReadFile("/proc/self/uid_map")
	gidMap, _ := os.ReadFile("/proc/self/gid_map")
	setgroups, _ := os.ReadFile("/proc/self/setgroups")
	// The kernel pads id map columns when reading them back; collapse the
	// padding so the report matches the "<new> <old> 1" line Enter wrote.
	report["UID_MAP"] = strings.Join(strings.Fields(string(uidMap)), " ")
	report["GID_MAP"] = strings.Join(strings.Fields(string(gidMap)), " ")
	report["SETGROUPS"] = strings.TrimSpace(string(setgroups))

	for key, value := range report {
		fmt.Printf("%s=%s\n", key, value)
	}
	os.Exit(0)
}

func mustGetwd() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	return cwd
}

// skipUnlessNamespacesAvailable probes for unprivileged user namespace
// support the same way a capability-gated feature test elsewhere in the
// example corpus does: spawn a trivial child requesting CLONE_NEWUSER and
// see whether the kernel allows it. CI containers and locked-down kernels
// commonly disable this, so Enter's namespace-dependent behavior is only
// exercised when it is actually available.
func skipUnlessNamespacesAvailable(t *testing.T) {
	t.Helper()

	cmd := exec.Command("true")
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: syscall.CLONE_NEWUSER | syscall.CLONE_NEWNS,
		UidMappings: []syscall.SysProcIDMap{
			{ContainerID: 0, HostID: os.Getuid(), Size: 1},
		},
		GidMappings: []syscall.SysProcIDMap{
			{ContainerID: 0, HostID: os.Getgid(), Size: 1},
		},
	}
	if err := cmd.Run(); err != nil {
		t.Skipf("user namespaces unavailable in this environment: %v", err)
	}
}

func TestEnterRejectsUnenterableRoot(t *testing.T) {
	skipUnlessNamespacesAvailable(t)

	desc := &Description{Root: "/nonexistent/path/for/jormungandr/tests"}
	err := Enter(desc, os.Getuid(), os.Getgid())
	assert.Error(t, err)
}

// toolchainFixture lays out a minimal on-disk root a real Enter() can
// chroot into: every staging mountpoint directory exists, /etc/passwd has an
// entry for the unprivileged uid Enter maps non-root callers to, and its
// home directory exists so the post-chroot chdir succeeds.
func toolchainFixture(t *testing.T) (root, destdir, objdir, srcdir string) {
	t.Helper()

	root = t.TempDir()
	for _, dir := range []string{
		"dev", "proc", "sys", "tmp", "etc", "home/build",
		"var/sysroot", "var/bsys", "var/dest", "var/obj", "var/src",
	} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, dir), 0755))
	}

	passwd := "build:x:100:100:build user:/home/build:/bin/sh\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, "etc", "passwd"), []byte(passwd), 0644))

	destdir = filepath.Join(t.TempDir(), "dest")
	objdir = filepath.Join(t.TempDir(), "obj")
	srcdir = t.TempDir()
	require.NoError(t, os.Mkdir(destdir, 0755))
	require.NoError(t, os.Mkdir(objdir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(srcdir, "marker"), []byte("src"), 0644))

	return root, destdir, objdir, srcdir
}

// TestEnterConstructsSandboxSuccessfully exercises Enter end to end in a
// disposable re-exec'd child (see runEnterHelper): a fresh user+mount
// namespace, bind mounts for /dev, /proc, /sys and the bsys/dest/obj/src
// staging directories, a tmpfs fallback for the unset sysroot, uid_map /
// gid_map / setgroups content, and the passwd-derived environment.
func TestEnterConstructsSandboxSuccessfully(t *testing.T) {
	skipUnlessNamespacesAvailable(t)

	root, destdir, objdir, srcdir := toolchainFixture(t)
	bsysDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(bsysDir, "make"), []byte("#!/bin/sh\n"), 0755))

	olduid, oldgid := os.Getuid(), os.Getgid()

	cmd := exec.Command(os.Args[0])
	cmd.Env = append(os.Environ(),
		enterHelperEnv+"=1",
		"JORM_TEST_ROOT="+root,
		"JORM_TEST_BSYSDIR="+bsysDir,
		"JORM_TEST_DESTDIR="+destdir,
		"JORM_TEST_OBJDIR="+objdir,
		"JORM_TEST_SRCDIR="+srcdir,
		"JORM_TEST_ROSRCDIR=1",
		"JORM_TEST_OLDUID="+strconv.Itoa(olduid),
		"JORM_TEST_OLDGID="+strconv.Itoa(oldgid),
	)

	var stderr strings.Builder
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	require.NoErrorf(t, err, "helper failed: %s", stderr.String())

	report := map[string]string{}
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.IndexByte(line, '='); i >= 0 {
			report[line[:i]] = line[i+1:]
		}
	}

	assert.Equal(t, "true", report["EXISTS_DEV_NULL"], "host /dev should be bound in")
	assert.Equal(t, "true", report["EXISTS_PROC_SELF"], "host /proc should be bound in")
	assert.Equal(t, "true", report["EXISTS_SYS_KERNEL"], "host /sys should be bound in")
	assert.Equal(t, "true", report["EXISTS_VAR_BSYS"])
	assert.Equal(t, "true", report["EXISTS_VAR_DEST"])
	assert.Equal(t, "true", report["EXISTS_VAR_OBJ"])
	assert.Equal(t, "true", report["EXISTS_VAR_SRC"])
	assert.Equal(t, "true", report["EXISTS_VAR_SRC_FILE"], "srcdir contents should be bind-mounted, not a fresh tmpfs")
	assert.Equal(t, "true", report["EXISTS_VAR_SYSROOT"], "unset sysroot should still mount, as a tmpfs")
	assert.Equal(t, "true", report["TMP_WRITABLE"])

	assert.Equal(t, "/usr/bin:/usr/sbin", report["PATH"])
	assert.Equal(t, "/home/build", report["HOME"])
	assert.Equal(t, "/bin/sh", report["SHELL"])
	assert.Equal(t, "build", report["LOGNAME"])
	assert.Equal(t, "build", report["USER"])
	assert.Equal(t, "/home/build", report["CWD"])

	assert.Contains(t, report["UID_MAP"], fmt.Sprintf("100 %d 1", olduid))
	assert.Contains(t, report["GID_MAP"], fmt.Sprintf("100 %d 1", oldgid))
	assert.Equal(t, "deny", report["SETGROUPS"])
}

func TestPasswdSetupNoMatchIsNotAnError(t *testing.T) {
	path := t.TempDir() + "/passwd"
	require.NoError(t, os.WriteFile(path, []byte("root:x:0:0:root:/root:/bin/sh\n"), 0644))
	t.Setenv("HOME", "")

	err := passwdSetup(path, 999999)
	assert.NoError(t, err)
	assert.NotEqual(t, "/root", os.Getenv("HOME"))
}

func TestPasswdSetupMatchSetsEnv(t *testing.T) {
	path := t.TempDir() + "/passwd"
	require.NoError(t, os.WriteFile(path, []byte("build:x:100:100:build user:/home/build:/bin/sh\n"), 0644))

	err := passwdSetup(path, 100)
	require.NoError(t, err)
	assert.Equal(t, "/home/build", os.Getenv("HOME"))
	assert.Equal(t, "/bin/sh", os.Getenv("SHELL"))
	assert.Equal(t, "build", os.Getenv("LOGNAME"))
	assert.Equal(t, "build", os.Getenv("USER"))
}

func TestResetEnvironmentClearsAndSetsPath(t *testing.T) {
	os.Setenv("SOME_LEFTOVER_VAR", "x")
	resetEnvironment()

	assert.Equal(t, "", os.Getenv("SOME_LEFTOVER_VAR"))
	assert.Equal(t, "/usr/bin:/usr/sbin", os.Getenv("PATH"))
}
