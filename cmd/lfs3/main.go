// Command lfs3 formats, mounts, inspects and snapshots lfs3 images,
// mirroring cmd/distri's verb-table dispatch: a small map from verb
// name to handler, flag.NewFlagSet per subcommand, InterruptibleContext
// for Ctrl-C, and RunAtExit for queued cleanup.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/distr1/lfs3"
	"github.com/distr1/lfs3/internal/blkdev"
	"github.com/distr1/lfs3/internal/config"
	"github.com/distr1/lfs3/internal/fusebridge"
	"github.com/distr1/lfs3/internal/image"
	"github.com/distr1/lfs3/internal/posix"
	"github.com/distr1/lfs3/internal/trace"
)

var (
	debug     = flag.Bool("debug", false, "format error messages with additional detail")
	tracefile = flag.String("tracefile", "", "path to store a chrome trace event file at (load in chrome://tracing)")
)

type cmd struct {
	fn func(ctx context.Context, args []string) error
}

func funcmain() error {
	flag.Parse()

	if *tracefile != "" {
		f, err := os.Create(*tracefile)
		if err != nil {
			return err
		}
		trace.Sink(f)
	}

	verbs := map[string]cmd{
		"format": {cmdFormat},
		"fsck":   {cmdFsck},
		"gc":     {cmdGC},
		"image":  {cmdImage},
		"tree":   {cmdTree},
		"mount":  {cmdMount},
	}

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}
	verb, args := args[0], args[1:]
	if verb == "help" {
		usage()
		return nil
	}

	ctx, canc := lfs3.InterruptibleContext()
	defer canc()

	v, ok := verbs[verb]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", verb)
		usage()
		os.Exit(2)
	}
	if err := v.fn(ctx, args); err != nil {
		if *debug {
			return fmt.Errorf("%s: %+v", verb, err)
		}
		return fmt.Errorf("%s: %v", verb, err)
	}
	return lfs3.RunAtExit()
}

func usage() {
	fmt.Fprintf(os.Stderr, "lfs3 [-flags] <command> [-flags] <args>\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "\tformat   - create a fresh lfs3 image file\n")
	fmt.Fprintf(os.Stderr, "\tfsck     - traverse an image, checking metadata and data\n")
	fmt.Fprintf(os.Stderr, "\tgc       - run garbage collection steps against an image\n")
	fmt.Fprintf(os.Stderr, "\timage    - dump/restore a cpio snapshot of an image's root dir\n")
	fmt.Fprintf(os.Stderr, "\ttree     - print the root directory's entries\n")
	fmt.Fprintf(os.Stderr, "\tmount    - mount an image onto a directory via FUSE\n")
}

// loadConfig starts from lfs3.DefaultConfig and applies an optional
// -config file's overrides, the same override-the-defaults shape
// internal/config.Overrides exists for.
func loadConfig(path string) (lfs3.Config, error) {
	cfg := lfs3.DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return cfg, xerrors.Errorf("open config: %w", err)
	}
	defer f.Close()
	ov, err := config.Parse(f)
	if err != nil {
		return cfg, xerrors.Errorf("parse config: %w", err)
	}
	ov.Apply(&cfg)
	return cfg, nil
}

func cmdFormat(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("format", flag.ExitOnError)
	cfgPath := fset.String("config", "", "path to a config overrides file")
	blocks := fset.Uint("blocks", 256, "number of erase blocks")
	blockSize := fset.Uint("block-size", 4096, "erase block size in bytes")
	fset.Parse(args)
	if fset.NArg() != 1 {
		return xerrors.Errorf("syntax: format [options] <image-path>")
	}
	path := fset.Arg(0)

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	// flags given on the command line override the config file
	fset.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "blocks":
			cfg.BlockCount = uint32(*blocks)
		case "block-size":
			cfg.BlockSize = uint32(*blockSize)
		}
	})

	dev, err := blkdev.Open(path, cfg.ReadSize, cfg.ProgSize, cfg.BlockSize, cfg.BlockCount)
	if err != nil {
		return xerrors.Errorf("open %s: %w", path, err)
	}
	lfs3.RegisterAtExit(dev.Close)

	fs, err := lfs3.Format(dev, cfg)
	if err != nil {
		return xerrors.Errorf("format: %w", err)
	}
	return fs.Unmount()
}

// cmdFsck checks one or more images. Each image's traversal is
// entirely self-contained (spec.md §5: the single-writer core stays
// single-threaded per mount), so checking N images is an embarrassingly
// parallel fan-out at this CLI layer; errgroup bounds that fan-out and
// propagates the first failure instead of the command silently
// reporting "OK" on an image it never got to.
func cmdFsck(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("fsck", flag.ExitOnError)
	cfgPath := fset.String("config", "", "path to a config overrides file")
	jobs := fset.Int("jobs", 4, "max images to check concurrently")
	fset.Parse(args)
	if fset.NArg() < 1 {
		return xerrors.Errorf("syntax: fsck [options] <image-path>...")
	}
	paths := fset.Args()

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(*jobs)
	for _, path := range paths {
		path := path
		g.Go(func() error {
			removed, err := fsckOne(path, cfg)
			if err != nil {
				return xerrors.Errorf("%s: %w", path, err)
			}
			if removed > 0 {
				fmt.Printf("%s: removed %d orphaned stickynote(s)\n", path, removed)
			}
			fmt.Printf("%s: OK\n", path)
			return nil
		})
	}
	return g.Wait()
}

func fsckOne(path string, cfg lfs3.Config) (removed int, err error) {
	fs, err := openImage(path, cfg)
	if err != nil {
		return 0, err
	}
	defer fs.Unmount()

	if done, err := fs.CheckMeta(1 << 20); err != nil {
		return 0, xerrors.Errorf("metadata check failed: %w", err)
	} else if !done {
		return 0, xerrors.Errorf("metadata check did not converge within the step budget")
	}

	done, removed, err := fs.SweepOrphans(1 << 20)
	if err != nil {
		return 0, xerrors.Errorf("orphan sweep failed: %w", err)
	}
	if !done {
		return 0, xerrors.Errorf("orphan sweep did not converge within the step budget")
	}
	return removed, nil
}

func cmdGC(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("gc", flag.ExitOnError)
	cfgPath := fset.String("config", "", "path to a config overrides file")
	steps := fset.Int("steps", 16, "traversal steps to run")
	fset.Parse(args)
	if fset.NArg() != 1 {
		return xerrors.Errorf("syntax: gc [options] <image-path>")
	}
	path := fset.Arg(0)

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	fs, err := openImage(path, cfg)
	if err != nil {
		return err
	}
	defer fs.Unmount()

	done, err := fs.GC(*steps)
	if err != nil {
		return xerrors.Errorf("gc: %w", err)
	}
	if isatty.IsTerminal(os.Stdout.Fd()) {
		if done {
			fmt.Println("gc: converged")
		} else {
			fmt.Println("gc: more work remains, re-run with more -steps")
		}
	}
	return nil
}

func cmdImage(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return xerrors.Errorf("syntax: image <dump|restore> [options] <image-path> <snapshot-path>")
	}
	sub, args := args[0], args[1:]
	fset := flag.NewFlagSet("image "+sub, flag.ExitOnError)
	cfgPath := fset.String("config", "", "path to a config overrides file")
	fset.Parse(args)
	if fset.NArg() != 2 {
		return xerrors.Errorf("syntax: image %s [options] <image-path> <snapshot-path>", sub)
	}
	imgPath, snapPath := fset.Arg(0), fset.Arg(1)

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}

	switch sub {
	case "dump":
		fs, err := openImage(imgPath, cfg)
		if err != nil {
			return err
		}
		defer fs.Unmount()
		return image.Export(fs, snapPath)
	case "restore":
		fs, err := openImage(imgPath, cfg)
		if err != nil {
			return err
		}
		defer fs.Unmount()
		entries, err := image.Import(snapPath)
		if err != nil {
			return xerrors.Errorf("image restore: %w", err)
		}
		return image.Restore(fs, entries)
	default:
		return xerrors.Errorf("unknown image subcommand %q, want dump or restore", sub)
	}
}

func cmdTree(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("tree", flag.ExitOnError)
	cfgPath := fset.String("config", "", "path to a config overrides file")
	fset.Parse(args)
	if fset.NArg() != 1 {
		return xerrors.Errorf("syntax: tree [options] <image-path>")
	}
	path := fset.Arg(0)

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	fs, err := openImage(path, cfg)
	if err != nil {
		return err
	}
	defer fs.Unmount()

	entries, err := fs.ReadDir()
	if err != nil {
		return xerrors.Errorf("tree: %w", err)
	}
	for _, e := range entries {
		kind := "f"
		if e.Dir {
			kind = "d"
		}
		fmt.Printf("%s %8d %s\n", kind, e.Size, e.Name)
	}
	return nil
}

func cmdMount(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("mount", flag.ExitOnError)
	cfgPath := fset.String("config", "", "path to a config overrides file")
	fset.Parse(args)
	if fset.NArg() != 2 {
		return xerrors.Errorf("syntax: mount [options] <image-path> <mountpoint>")
	}
	imgPath, mountpoint := fset.Arg(0), fset.Arg(1)

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	fs, err := openImage(imgPath, cfg)
	if err != nil {
		return err
	}
	lfs3.RegisterAtExit(fs.Unmount)

	join, err := fusebridge.Mount(mountpoint, posix.New(fs))
	if err != nil {
		return xerrors.Errorf("mount: %w", err)
	}
	return join(ctx)
}

// openImage opens an existing image file at path as a bd.Device and
// mounts it; geometry is taken from cfg, as derived from the stat'd
// file size rather than trusted blindly when the file already exists.
func openImage(path string, cfg lfs3.Config) (*lfs3.FS, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, xerrors.Errorf("stat %s: %w", path, err)
	}
	if blocks := uint32(st.Size() / int64(cfg.BlockSize)); blocks > 0 {
		cfg.BlockCount = blocks
	}
	dev, err := blkdev.Open(path, cfg.ReadSize, cfg.ProgSize, cfg.BlockSize, cfg.BlockCount)
	if err != nil {
		return nil, xerrors.Errorf("open %s: %w", path, err)
	}
	fs, err := lfs3.Mount(dev, cfg)
	if err != nil {
		dev.Close()
		return nil, xerrors.Errorf("mount %s: %w", path, err)
	}
	return fs, nil
}

func main() {
	if err := funcmain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

