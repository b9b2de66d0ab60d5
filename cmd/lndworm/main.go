// Command lndworm stages a sysroot and source tree (directories or
// compressed archives) into a sandbox, runs the resolved bsys, and streams
// /var/dest (or /var/obj with -A) back out as a new archive, mirroring the
// reference lndworm.c pipeline.
//
// Go offers no raw fork(): entering the sandbox mutates process-global
// state (namespaces, chroot, environment) that the top-level process must
// never touch, since on failure it alone is responsible for unlinking the
// partially-written output file. This binary re-execs itself as a child via
// /proc/self/exe, exactly the pattern used elsewhere in the reference
// corpus for "do the privileged/namespaced part in a fresh process".
package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ValentinDebon/jormungandr/archive"
	"github.com/ValentinDebon/jormungandr/config"
	"github.com/ValentinDebon/jormungandr/diag"
	"github.com/ValentinDebon/jormungandr/orchestrator"
	"github.com/ValentinDebon/jormungandr/paths"
	"github.com/ValentinDebon/jormungandr/sandbox"
)

const childMarkerEnv = "JORMUNGANDR_LNDWORM_CHILD"

type lndwormFlags struct {
	pkgObj    bool
	rwSrcdir  bool
	rwSysroot bool
	asRoot    bool

	toolchain string
	bsys      string
	sysroot   string
	src       string

	sysFormat string
	srcFormat string
	outFormat string
}

func main() {
	d, err := diag.New("lndworm", os.Getenv("ORM_DEBUG_LOG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "lndworm: %v\n", err)
		os.Exit(diag.ExitFailure)
	}
	defer d.Close()

	cfg, err := config.Load()
	if err != nil {
		os.Exit(d.Fatalf("loading config: %v", err))
	}

	flags := &lndwormFlags{sysroot: cfg.Sysroot}

	root := &cobra.Command{
		Use:   "lndworm [flags] <output> [arguments...]",
		Short: "Build a package inside a jormungandr sandbox",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) < 1 {
				return diag.UsageError(fmt.Errorf("missing output name"))
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if os.Getenv(childMarkerEnv) == "1" {
				return runChild(d, cfg, flags, args)
			}
			return runParent(d, cfg, flags, args)
		},
	}
	root.SetUsageFunc(func(*cobra.Command) error { return nil })
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error { return diag.UsageError(err) })
	d.SetUsage(func() string { return root.UsageString() })

	fl := root.Flags()
	fl.BoolVarP(&flags.pkgObj, "obj", "A", false, "stream /var/obj instead of /var/dest")
	fl.BoolVarP(&flags.rwSrcdir, "rw-srcdir", "S", false, "mount srcdir read-write")
	fl.BoolVarP(&flags.rwSysroot, "rw-sysroot", "U", false, "mount sysroot read-write")
	fl.BoolVarP(&flags.asRoot, "as-root", "r", false, "map to uid/gid 0 inside the sandbox")
	fl.StringVarP(&flags.toolchain, "toolchain", "t", cfg.DefaultToolchain, "toolchain name")
	fl.StringVarP(&flags.bsys, "bsys", "b", cfg.DefaultBsys, "build system name")
	fl.StringVarP(&flags.sysroot, "sysroot", "u", cfg.Sysroot, "sysroot directory or archive")
	fl.StringVarP(&flags.src, "src", "s", "", "source directory or archive")
	fl.StringVarP(&flags.sysFormat, "sysroot-format", "g", "", "explicit sysroot archive format (tar, tar.gz, tar.bz2, tar.xz, tar.comp), inferred from the sysroot's extension if omitted")
	fl.StringVarP(&flags.srcFormat, "src-format", "q", "", "explicit src archive format, inferred from the src path's extension if omitted")
	fl.StringVarP(&flags.outFormat, "out-format", "f", "", "explicit output archive format, inferred from the output name's extension if omitted")

	if err := root.Execute(); err != nil {
		if diag.IsUsageError(err) {
			os.Exit(d.Usagef("%v", err))
		}
		os.Exit(d.Fatalf("%v", err))
	}
}

// runParent opens the output file before any namespace is touched, forks
// the real work off to a re-exec'd child with that file descriptor
// inherited, and unlinks the output on failure — this process must remain
// able to touch the host filesystem for that cleanup, so it never itself
// calls sandbox.Enter.
func runParent(d *diag.Diag, cfg *config.Config, flags *lndwormFlags, args []string) error {
	outputPath := args[0]

	outFile, err := os.OpenFile(outputPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("opening output %q: %w", outputPath, err)
	}

	self, err := os.Executable()
	if err != nil {
		outFile.Close()
		os.Remove(outputPath)
		return fmt.Errorf("resolving self: %w", err)
	}

	child := exec.Command(self, os.Args[1:]...)
	child.Env = append(os.Environ(), childMarkerEnv+"=1")
	child.Stdout = os.Stdout
	child.Stderr = os.Stderr
	child.ExtraFiles = []*os.File{outFile}

	runErr := child.Run()
	outFile.Close()

	if decodeErr := orchestrator.WaitDecode("lndworm child", child.ProcessState); decodeErr != nil {
		os.Remove(outputPath)
		return decodeErr
	}
	if runErr != nil {
		os.Remove(outputPath)
		return fmt.Errorf("running lndworm child: %w", runErr)
	}

	return nil
}

// runChild does the real work: it is the process that enters the sandbox,
// so on any failure here it simply returns an error and lets runParent's
// caller see a nonzero exit, which triggers the unlink in the parent.
func runChild(d *diag.Diag, cfg *config.Config, flags *lndwormFlags, args []string) error {
	outFile := os.NewFile(3, "lndworm-output")
	if outFile == nil {
		return fmt.Errorf("lndworm child: missing inherited output fd")
	}

	outputPath := args[0]
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
		BsysDir:   filepath.Dir(bsysPath),
		AsRoot:    flags.asRoot,
		ROSysroot: !flags.rwSysroot,
		ROSrcdir:  !flags.rwSrcdir,
		TmpSize:   cfg.TmpSize,
	}

	sysrootIsDir := isDir(flags.sysroot)
	if sysrootIsDir {
		desc.Sysroot = flags.sysroot
	}

	srcIsDir := flags.src != "" && isDir(flags.src)
	if srcIsDir {
		desc.SrcDir = flags.src
	}

	sysrootFilter, err := resolveArchiveFormat("sysroot", flags.sysFormat, flags.sysroot, sysrootIsDir)
	if err != nil {
		return err
	}
	srcFilter, err := resolveArchiveFormat("src", flags.srcFormat, flags.src, srcIsDir)
	if err != nil {
		return err
	}

	var sysrootFD, srcFD *os.File
	if !sysrootIsDir {
		sysrootFD, err = os.Open(flags.sysroot)
		if err != nil {
			return fmt.Errorf("opening sysroot archive %q: %w", flags.sysroot, err)
		}
		defer sysrootFD.Close()
	}
	if flags.src != "" && !srcIsDir {
		srcFD, err = os.Open(flags.src)
		if err != nil {
			return fmt.Errorf("opening src archive %q: %w", flags.src, err)
		}
		defer srcFD.Close()
	}

	if err := sandbox.Enter(desc, os.Getuid(), os.Getgid()); err != nil {
		return fmt.Errorf("entering sandbox: %w", err)
	}

	if sysrootFD != nil {
		if err := archive.ExtractFormat(sandbox.DestSysroot, !flags.rwSysroot, int(sysrootFD.Fd()), sysrootFilter); err != nil {
			return fmt.Errorf("extracting sysroot: %w", err)
		}
	}
	if srcFD != nil {
		if err := archive.ExtractFormat(sandbox.DestSrc, !flags.rwSrcdir, int(srcFD.Fd()), srcFilter); err != nil {
			return fmt.Errorf("extracting src: %w", err)
		}
	}

	bsysExe := filepath.Join(sandbox.DestBsys, filepath.Base(bsysPath))
	bsysCmd := exec.Command(bsysExe, bsysArgs...)
	bsysCmd.Stdout = os.Stdout
	bsysCmd.Stderr = os.Stderr
	bsysCmd.Dir = sandbox.DestSrc

	runErr := bsysCmd.Run()
	if decodeErr := orchestrator.WaitDecode("bsys", bsysCmd.ProcessState); decodeErr != nil {
		return decodeErr
	}
	if runErr != nil {
		return fmt.Errorf("running bsys: %w", runErr)
	}

	sourceDir := sandbox.DestDest
	if flags.pkgObj {
		sourceDir = sandbox.DestObj
	}

	outFilter, err := resolveOutputFormat(flags.outFormat, outputPath)
	if err != nil {
		return err
	}
	if err := archive.Create(sourceDir, outFilter, int(outFile.Fd())); err != nil {
		return fmt.Errorf("creating output package: %w", err)
	}

	return nil
}

// resolveArchiveFormat picks the filter for a sysroot/src path: an explicit
// format flag always wins (and is an error against a directory, since
// directories aren't extracted); otherwise a directory needs no filter at
// all, and an archive infers one from its name's extension.
func resolveArchiveFormat(label, explicit, path string, isDirectory bool) (archive.Filter, error) {
	if isDirectory {
		if explicit != "" {
			return archive.FilterNone, fmt.Errorf("extraneous %s format %q for directory %q", label, explicit, path)
		}
		return archive.FilterNone, nil
	}
	if explicit != "" {
		filter, err := archive.FilterForFormat(explicit)
		if err != nil {
			return archive.FilterNone, fmt.Errorf("invalid %s format: %w", label, err)
		}
		return filter, nil
	}
	return archive.CodecForExtension(path), nil
}

// resolveOutputFormat picks the filter the output package is created with:
// an explicit -f format wins, else it's inferred from the output name.
func resolveOutputFormat(explicit, outputPath string) (archive.Filter, error) {
	if explicit != "" {
		filter, err := archive.FilterForFormat(explicit)
		if err != nil {
			return archive.FilterNone, fmt.Errorf("invalid output format: %w", err)
		}
		return filter, nil
	}
	return archive.CodecForExtension(outputPath), nil
}

func isDir(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
