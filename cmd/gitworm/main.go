// Command gitworm archives a git tree-ish, stages it as /var/src inside a
// sandbox, and execs the resolved bsys, mirroring the reference gitworm.c
// topology: a forked `git archive` producer feeding a pipe the parent
// extracts from after entering the sandbox.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ValentinDebon/jormungandr/config"
	"github.com/ValentinDebon/jormungandr/diag"
	"github.com/ValentinDebon/jormungandr/orchestrator"
	"github.com/ValentinDebon/jormungandr/paths"
	"github.com/ValentinDebon/jormungandr/sandbox"
)

type gitwormFlags struct {
	rwSrcdir  bool
	rwSysroot bool
	asRoot    bool
	repoPath  string
	toolchain string
	bsys      string
	sysroot   string
}

func main() {
	d, err := diag.New("gitworm", os.Getenv("ORM_DEBUG_LOG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "gitworm: %v\n", err)
		os.Exit(diag.ExitFailure)
	}
	defer d.Close()

	cfg, err := config.Load()
	if err != nil {
		os.Exit(d.Fatalf("loading config: %v", err))
	}

	flags := &gitwormFlags{}

	root := &cobra.Command{
		Use:   "gitworm [flags] <tree-ish> [arguments...]",
		Short: "Build a git tree-ish inside a jormungandr sandbox",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) < 1 {
				return diag.UsageError(fmt.Errorf("missing tree-ish argument"))
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGitworm(d, cfg, flags, args)
		},
	}
	root.SetUsageFunc(func(*cobra.Command) error { return nil })
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error { return diag.UsageError(err) })
	d.SetUsage(func() string { return root.UsageString() })

	fl := root.Flags()
	fl.BoolVarP(&flags.rwSrcdir, "rw-srcdir", "S", false, "mount the archived tree read-write")
	fl.BoolVarP(&flags.rwSysroot, "rw-sysroot", "U", false, "mount sysroot read-write")
	fl.BoolVarP(&flags.asRoot, "as-root", "r", false, "map to uid/gid 0 inside the sandbox")
	fl.StringVarP(&flags.repoPath, "chdir", "C", "", "run git-archive from this repository path")
	fl.StringVarP(&flags.toolchain, "toolchain", "t", cfg.DefaultToolchain, "toolchain name")
	fl.StringVarP(&flags.bsys, "bsys", "b", cfg.DefaultBsys, "build system name")
	fl.StringVarP(&flags.sysroot, "sysroot", "u", cfg.Sysroot, "sysroot directory")

	if err := root.Execute(); err != nil {
		if diag.IsUsageError(err) {
			os.Exit(d.Usagef("%v", err))
		}
		os.Exit(d.Fatalf("%v", err))
	}
}

func runGitworm(d *diag.Diag, cfg *config.Config, flags *gitwormFlags, args []string) error {
	treeish := args[0]
	bsysArgs := args[1:]

	root, err := paths.ResolveToolchain(flags.toolchain)
	if err != nil {
		return fmt.Errorf("resolving toolchain %q: %w", flags.toolchain, err)
	}

	bsysPath, err := paths.ResolveBsys(flags.bsys)
	if err != nil {
		return fmt.Errorf("resolving bsys %q: %w", flags.bsys, err)
	}

	desc := &sandbox.Description{
		Root:      root,
		Sysroot:   flags.sysroot,
		BsysDir:   filepath.Dir(bsysPath),
		AsRoot:    flags.asRoot,
		ROSysroot: !flags.rwSysroot,
		ROSrcdir:  !flags.rwSrcdir,
		TmpSize:   cfg.TmpSize,
	}

	spec := &orchestrator.GitArchiveSpec{
		Desc:     desc,
		RepoPath: flags.repoPath,
		Treeish:  treeish,
		BsysPath: bsysMountTarget(bsysPath),
		BsysArgs: bsysArgs,
		ROSrc:    !flags.rwSrcdir,
	}

	return orchestrator.RunGitArchive(d, spec, os.Getuid(), os.Getgid())
}

// bsysMountTarget maps a resolved bsys asset path on the host to the path
// it will be reachable at once its parent directory is bind-mounted at
// sandbox.DestBsys.
func bsysMountTarget(bsysPath string) string {
	return filepath.Join(sandbox.DestBsys, filepath.Base(bsysPath))
}
