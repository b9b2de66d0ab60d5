// Command orm builds a sandbox directly from flags and either execs an
// interactive shell in it or runs a one-shot command, mirroring the
// reference orm front-end (enriched with the toolchain/bsys name resolution
// and persistent/ephemeral workdir provisioning the original's simpler
// -T/-S/-d/-o/-s-only variant didn't have).
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ValentinDebon/jormungandr/config"
	"github.com/ValentinDebon/jormungandr/diag"
	"github.com/ValentinDebon/jormungandr/orchestrator"
	"github.com/ValentinDebon/jormungandr/paths"
	"github.com/ValentinDebon/jormungandr/sandbox"
	"github.com/ValentinDebon/jormungandr/workdir"
)

type ormFlags struct {
	persistent bool
	rwSrcdir   bool
	rwSysroot  bool
	interactive bool
	asRoot     bool

	toolchain string
	bsys      string
	workspace string
	sysroot   string
	destdir   string
	objdir    string
	srcdir    string

	printPath string
}

func main() {
	d, err := diag.New("orm", os.Getenv("ORM_DEBUG_LOG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "orm: %v\n", err)
		os.Exit(diag.ExitFailure)
	}
	defer d.Close()

	flags := &ormFlags{}
	cfg, err := config.Load()
	if err != nil {
		os.Exit(d.Fatalf("loading config: %v", err))
	}

	root := &cobra.Command{
		Use:   "orm [flags] [-- arguments...]",
		Short: "Enter or provision a jormungandr sandbox",
		Long: `orm constructs a sandbox from a toolchain, an optional sysroot,
and the destdir/objdir/srcdir staging directories, then either runs an
interactive shell in it or execs the resolved bsys, passing the given
arguments to whichever program runs.`,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOrm(d, cfg, flags, args)
		},
	}
	root.SetUsageFunc(func(*cobra.Command) error { return nil })
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error { return diag.UsageError(err) })
	d.SetUsage(func() string { return root.UsageString() })

	fl := root.Flags()
	fl.BoolVarP(&flags.persistent, "persistent", "P", false, "use a persistent workdir cache instead of an ephemeral one")
	fl.BoolVarP(&flags.rwSrcdir, "rw-srcdir", "S", false, "mount srcdir read-write")
	fl.BoolVarP(&flags.rwSysroot, "rw-sysroot", "U", false, "mount sysroot read-write")
	fl.BoolVarP(&flags.interactive, "interactive", "i", false, "run an interactive shell (default when no arguments are given and stdin is a terminal)")
	fl.BoolVarP(&flags.asRoot, "as-root", "r", false, "map to uid/gid 0 inside the sandbox instead of the unprivileged id")
	fl.StringVarP(&flags.toolchain, "toolchain", "t", cfg.DefaultToolchain, "toolchain name")
	fl.StringVarP(&flags.bsys, "bsys", "b", cfg.DefaultBsys, "build system name")
	fl.StringVarP(&flags.workspace, "workspace", "w", cfg.Workspace, "workspace name for provisioned workdirs")
	fl.StringVarP(&flags.sysroot, "sysroot", "u", cfg.Sysroot, "sysroot directory")
	fl.StringVarP(&flags.destdir, "destdir", "d", "", "destination directory (provisioned under the workspace if unset)")
	fl.StringVarP(&flags.objdir, "objdir", "o", "", "object directory (provisioned under the workspace if unset)")
	fl.StringVarP(&flags.srcdir, "srcdir", "s", "", "source directory")
	fl.StringVarP(&flags.printPath, "print-path", "p", "", "print the resolved workdir path for `name` and exit, without entering a sandbox")

	if err := root.Execute(); err != nil {
		if diag.IsUsageError(err) {
			os.Exit(d.Usagef("%v", err))
		}
		os.Exit(d.Fatalf("%v", err))
	}
}

func runOrm(d *diag.Diag, cfg *config.Config, flags *ormFlags, args []string) error {
	// No need to resolve a srcdir if we're only here for a workdir path
	// and the workspace is already named explicitly: this lets that
	// synopsis run without executing SrcdirCommand.
	if flags.printPath == "" || flags.workspace == "" {
		srcdir, err := resolveSrcdir(flags.srcdir, cfg.SrcdirCommand)
		if err != nil {
			return diag.UsageError(fmt.Errorf("unable to lookup srcdir: %w", err))
		}
		flags.srcdir = srcdir
	}

	if flags.printPath != "" {
		path, err := workdir.ProvisionFromEnv(flags.workspace, flags.srcdir, flags.printPath, flags.persistent)
		if err != nil {
			return err
		}
		fmt.Println(path)
		return nil
	}

	root, err := paths.ResolveToolchain(flags.toolchain)
	if err != nil {
		return fmt.Errorf("resolving toolchain %q: %w", flags.toolchain, err)
	}

	bsysPath, err := paths.ResolveBsys(flags.bsys)
	if err != nil {
		return fmt.Errorf("resolving bsys %q: %w", flags.bsys, err)
	}

	destdir := flags.destdir
	if destdir == "" {
		destdir, err = workdir.ProvisionFromEnv(flags.workspace, flags.srcdir, "dest", flags.persistent)
		if err != nil {
			return fmt.Errorf("provisioning destdir: %w", err)
		}
	}

	objdir := flags.objdir
	if objdir == "" {
		objdir, err = workdir.ProvisionFromEnv(flags.workspace, flags.srcdir, "obj", flags.persistent)
		if err != nil {
			return fmt.Errorf("provisioning objdir: %w", err)
		}
	}

	bsysDir := filepath.Dir(bsysPath)
	bsysName := filepath.Base(bsysPath)

	desc := &sandbox.Description{
		Root:      root,
		Sysroot:   flags.sysroot,
		BsysDir:   bsysDir,
		DestDir:   destdir,
		ObjDir:    objdir,
		SrcDir:    flags.srcdir,
		AsRoot:    flags.asRoot,
		ROSysroot: !flags.rwSysroot,
		ROSrcdir:  !flags.rwSrcdir,
		TmpSize:   cfg.TmpSize,
	}

	d.Debugf("entering sandbox root=%s bsys=%s", desc.Root, bsysPath)

	interactive := chooseInteractive(flags.interactive, args, term.IsTerminal(int(os.Stdin.Fd())))
	bsysExePath := filepath.Join(sandbox.DestBsys, bsysName)

	return orchestrator.RunInteractive(desc, os.Getuid(), os.Getgid(), interactive, bsysExePath, args, os.Environ())
}

// resolveSrcdir returns explicit resolved to its real path, or else runs
// srcdirCommand and resolves its output, mirroring orm_parse_args's
// cmdpath(srccmd) fallback.
func resolveSrcdir(explicit, srcdirCommand string) (string, error) {
	if explicit != "" {
		return filepath.EvalSymlinks(explicit)
	}
	return paths.ResolveSrcdir(srcdirCommand)
}

// chooseInteractive decides whether RunInteractive should exec a shell
// instead of bsys: -i always forces it; otherwise, with no trailing
// arguments given and stdin a real terminal, a shell is more useful than
// silently running bsys with nothing to show for it. Any trailing arguments
// are always forwarded to whichever program runs (see RunInteractive).
func chooseInteractive(explicitInteractive bool, args []string, isTerminal bool) bool {
	return explicitInteractive || (len(args) == 0 && isTerminal)
}
