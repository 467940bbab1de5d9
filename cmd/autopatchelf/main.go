package main

import (
	"context"
	"debug/elf"
	"fmt"
	"log"
	"os"
	"text/tabwriter"

	"github.com/davecgh/go-spew/spew"
	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/cli"
	"github.com/pkg/errors"
	"lab47.dev/autopatchelf/pkg/cmd"
	"lab47.dev/autopatchelf/pkg/config"
	"lab47.dev/autopatchelf/pkg/elfinfo"
	"lab47.dev/autopatchelf/pkg/libcache"
	"lab47.dev/autopatchelf/pkg/ops"
	"lab47.dev/autopatchelf/pkg/patcher"
)

func main() {
	c := cli.NewCLI("autopatchelf", "0.1.0")
	c.Args = os.Args[1:]
	c.Commands = map[string]cli.CommandFactory{
		"patch": func() (cli.Command, error) {
			return cmd.New(
				"patch",
				"Set the interpreter and rpath of ELF files so they find their libraries",
				patchF,
			), nil
		},
		"inspect": func() (cli.Command, error) {
			return cmd.New(
				"inspect",
				"Show the dynamic linking information of an ELF file",
				inspectF,
			), nil
		},
		"scan-libs": func() (cli.Command, error) {
			return cmd.New(
				"scan-libs",
				"List the libraries found in directories and their runpaths",
				scanLibsF,
			), nil
		},
	}

	exitStatus, err := c.Run()
	if err != nil {
		log.Println(err)
	}

	os.Exit(exitStatus)
}

type patchOpts struct {
	Paths          []string `long:"paths" description:"directory or file to patch"`
	Libs           []string `short:"l" long:"libs" description:"directory to search for libraries"`
	IgnoreExisting bool     `long:"ignore-existing" description:"don't search the patched paths for libraries"`
	NoRecurse      bool     `long:"no-recurse" description:"only patch files directly inside the given directories"`
	KeepLibc       bool     `long:"keep-libc" description:"put the libc directory in the rpath when libc is found in a library directory"`
	RuntimeDeps    []string `long:"runtime-dependencies" description:"directory to put at the front of every rpath"`
	AppendRpaths   []string `long:"append-rpaths" description:"directory to put at the end of every rpath"`
	IgnoreMissing  []string `long:"ignore-missing" description:"glob for dependencies that may be missing"`
	ExtraArgs      []string `long:"extra-args" description:"extra argument to pass to patchelf"`
	DynamicLinker  string   `long:"dynamic-linker" description:"interpreter to set, overriding bintools discovery"`
	Libc           string   `long:"libc" description:"libc library directory, overriding bintools discovery"`
	StrictRpath    bool     `long:"strict-rpath" description:"treat a failure to set the rpath as an error"`
	Progress       bool     `long:"progress" description:"show a progress spinner"`
	Debug          bool     `long:"trace" description:"log every decision and show error stacks"`

	Pos struct {
		Paths []string `positional-arg-name:"path"`
	} `positional-args:"yes"`
}

func (o patchOpts) Trace() bool        { return o.Debug }
func (o patchOpts) ShowProgress() bool { return o.Progress }

func newLogger(trace bool) hclog.Logger {
	level := hclog.Info
	if trace {
		level = hclog.Trace
	}

	L := hclog.New(&hclog.LoggerOptions{
		Name:  "auto-patchelf",
		Level: level,
		Color: hclog.AutoColor,
	})

	hclog.SetDefault(L)

	return L
}

func patchF(ctx context.Context, opts patchOpts) error {
	L := newLogger(opts.Debug)

	cfg, err := config.LoadConfig()
	if err != nil {
		return errors.Wrapf(err, "loading configuration")
	}

	L.Debug("loaded configuration", "path", cfg.Path(), "bintools", cfg.Bintools)

	tc, err := cfg.Toolchain(opts.DynamicLinker, opts.Libc)
	if err != nil {
		return err
	}

	L.Debug("using toolchain",
		"interpreter", tc.InterpreterPath,
		"arch", elfinfo.MachineString(tc.Interpreter.Machine),
		"osabi", elfinfo.OSABIString(tc.Interpreter.OSABI),
		"libc", tc.LibcDir,
	)

	ap := &ops.AutoPatch{
		Paths:         append(opts.Paths, opts.Pos.Paths...),
		Libraries:     append(opts.Libs, cfg.Libraries...),
		AddExisting:   !opts.IgnoreExisting,
		Recurse:       !opts.NoRecurse,
		KeepLibc:      opts.KeepLibc,
		Prepend:       opts.RuntimeDeps,
		Append:        opts.AppendRpaths,
		IgnoreMissing: append(opts.IgnoreMissing, cfg.IgnoreMissing...),
		ExtraArgs:     append(cfg.ExtraArgs, opts.ExtraArgs...),
		StrictRpath:   opts.StrictRpath,
		Toolchain:     tc,
		Patcher: &patcher.Patchelf{
			L:    L.Named("patchelf"),
			Tool: cfg.Patchelf,
		},
	}

	ap.SetLogger(L)

	_, err = ap.Run(ctx)
	return err
}

func inspectF(ctx context.Context, opts struct {
	Pos struct {
		File string `positional-arg-name:"file" required:"yes"`
	} `positional-args:"yes"`
}) error {
	ef, err := elfinfo.Open(opts.Pos.File)
	if err != nil {
		return err
	}

	fmt.Printf("Kind: %s\n", ef.Kind)
	fmt.Printf("Arch: %s\n", elfinfo.MachineString(ef.Machine))
	fmt.Printf("OS ABI: %s\n", elfinfo.OSABIString(ef.OSABI))

	spew.Dump(ef)

	return nil
}

func scanLibsF(ctx context.Context, opts struct {
	Recursive bool `short:"r" long:"recursive" description:"search subdirectories too"`

	Pos struct {
		Dirs []string `positional-arg-name:"dir" required:"1"`
	} `positional-args:"yes"`
}) error {
	cache := libcache.New(hclog.L())

	err := cache.Populate(opts.Pos.Dirs, opts.Recursive)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 2, 2, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintf(tw, "NAME\tARCH\tOS ABI\tDIR\n")

	cache.Each(func(name string, machine elf.Machine, locs []libcache.Location) {
		for _, l := range locs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", name, elfinfo.MachineString(machine), elfinfo.OSABIString(l.OSABI), l.Dir)
		}
	})

	return nil
}
