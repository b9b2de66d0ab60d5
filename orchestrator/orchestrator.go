//go:build linux

// Package orchestrator drives the producer/sandbox/consumer subprocess
// topologies the three front-ends need: gitworm pipes a git-archive producer
// into a sandboxed bsys execution, and orm's interactive/one-shot topology
// just enters the sandbox and execs directly. lndworm's stage-then-package
// topology lives in cmd/lndworm, since it depends on a self re-exec dispatch
// that is specific to that one binary's main().
package orchestrator

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/ValentinDebon/jormungandr/archive"
	"github.com/ValentinDebon/jormungandr/diag"
	"github.com/ValentinDebon/jormungandr/sandbox"
)

// WaitError wraps a subprocess's abnormal termination, distinguishing a
// nonzero exit code from death by signal and, where the platform reports
// it, a core dump — the same taxonomy the reference implementation's
// WIFEXITED/WIFSIGNALED/WCOREDUMP decoding produces.
type WaitError struct {
	Name string
	*os.ProcessState
}

func (e *WaitError) Error() string {
	ws, ok := e.Sys().(syscall.WaitStatus)
	if !ok {
		return fmt.Sprintf("%s: abnormal termination", e.Name)
	}

	switch {
	case ws.Exited():
		return fmt.Sprintf("%s: exited with status %d", e.Name, ws.ExitStatus())
	case ws.Signaled():
		if ws.CoreDump() {
			return fmt.Sprintf("%s: killed by signal %v (core dumped)", e.Name, ws.Signal())
		}
		return fmt.Sprintf("%s: killed by signal %v", e.Name, ws.Signal())
	default:
		return fmt.Sprintf("%s: abnormal termination", e.Name)
	}
}

// WaitDecode inspects a finished ProcessState and turns a non-clean exit
// into a *WaitError. A nil state (the process could not even be started)
// is reported as the passed-through start error instead, by the caller.
func WaitDecode(name string, state *os.ProcessState) error {
	if state == nil || state.ExitCode() == 0 {
		return nil
	}
	return &WaitError{Name: name, ProcessState: state}
}

// GitArchiveSpec describes a gitworm invocation: a git tree-ish to archive
// from an optional repository path, staged as /var/src inside a sandbox
// built from Desc, followed by executing bsys with BsysArgs.
type GitArchiveSpec struct {
	Desc     *sandbox.Description
	RepoPath string
	Treeish  string
	GitExec  string
	BsysPath string
	BsysArgs []string
	ROSrc    bool
}

// RunGitArchive forks a `git archive` producer writing to a pipe, enters the
// sandbox in the current process, extracts the piped tree into /var/src,
// waits for the producer, then execs bsys. It does not return on success:
// the final step replaces the current process image, matching the
// reference implementation's noreturn gitworm_exec.
func RunGitArchive(d *diag.Diag, spec *GitArchiveSpec, olduid, oldgid int) error {
	r, w, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("orchestrator: creating pipe: %w", err)
	}

	gitExec := spec.GitExec
	if gitExec == "" {
		gitExec = "/usr/lib/git-core"
	}

	producer := exec.Command(gitExec+"/git-archive", "--format=tar", "--", spec.Treeish)
	if spec.RepoPath != "" {
		producer.Dir = spec.RepoPath
	}
	producer.Stdout = w
	producer.Stderr = os.Stderr

	runID := uuid.New().String()
	d.Debugf("gitworm run %s: starting git-archive producer for %s", runID, spec.Treeish)

	if err := producer.Start(); err != nil {
		w.Close()
		r.Close()
		return fmt.Errorf("orchestrator: starting git-archive: %w", err)
	}
	w.Close()

	if err := sandbox.Enter(spec.Desc, olduid, oldgid); err != nil {
		r.Close()
		return fmt.Errorf("orchestrator: entering sandbox: %w", err)
	}

	extractErr := archive.Extract(sandbox.DestSrc, spec.ROSrc, int(r.Fd()))

	waitErr := producer.Wait()
	if decodeErr := WaitDecode("git-archive", producer.ProcessState); decodeErr != nil {
		return decodeErr
	}
	if waitErr != nil {
		return fmt.Errorf("orchestrator: waiting for git-archive: %w", waitErr)
	}

	if extractErr != nil {
		return fmt.Errorf("orchestrator: extracting source tree: %w", extractErr)
	}

	d.Debugf("gitworm run %s: execing bsys %s", runID, spec.BsysPath)

	return execBsys(spec.BsysPath, spec.BsysArgs)
}

// RunInteractive enters the sandbox in the current process and execs either
// bsysPath or, when interactive is set, the user's $SHELL (falling back to
// /bin/sh if unset or not executable) invoked with -i, never returning on
// success. extraArgs is forwarded as additional arguments in both cases,
// matching the reference orm_exec: bsysname is NULL only in interactive
// mode, and the caller's trailing arguments always follow whichever program
// was chosen.
func RunInteractive(desc *sandbox.Description, olduid, oldgid int, interactive bool, bsysPath string, extraArgs []string, env []string) error {
	if err := sandbox.Enter(desc, olduid, oldgid); err != nil {
		return fmt.Errorf("orchestrator: entering sandbox: %w", err)
	}

	var argv []string
	if interactive {
		argv = []string{resolveShell(), "-i"}
	} else {
		argv = []string{bsysPath}
	}
	argv = append(argv, extraArgs...)

	return syscall.Exec(argv[0], argv, env)
}

// resolveShell returns $SHELL if set and executable, else /bin/sh.
func resolveShell() string {
	if shell := os.Getenv("SHELL"); shell != "" {
		if unix.Access(shell, unix.X_OK) == nil {
			return shell
		}
	}
	return "/bin/sh"
}

func execBsys(path string, args []string) error {
	argv := append([]string{path}, args...)
	return syscall.Exec(path, argv, os.Environ())
}
