// Command pathwatch is a small diagnostic front end for the pathwatch
// library: it watches directory trees and prints every change, or
// mirrors one tree into another.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/logrusorgru/aurora"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"

	"github.com/pathwatch/pathwatch"
	"github.com/pathwatch/pathwatch/fsutil"
)

func init() {
	cfg := zap.NewDevelopmentConfig()
	cfg.DisableStacktrace = true
	if os.Getenv("NO_COLOR") == "" && term.IsTerminal(int(os.Stderr.Fd())) {
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	log, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	zap.ReplaceGlobals(log)
}

var (
	watchOpt = struct {
		Excludes    []string
		Workers     int
		FollowLinks bool
		Quiet       bool
	}{}

	rootCmd = cobra.Command{
		Use:   "pathwatch",
		Short: "Watch directory trees for changes",
	}

	watchCmd = cobra.Command{
		Use:   "watch dir...",
		Short: "Watch the given directories and print every change",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(args)
		},
	}

	mirrorOpt = struct {
		Move      bool
		KeepGoing bool
	}{}

	mirrorCmd = cobra.Command{
		Use:   "mirror src dst",
		Short: "Copy (or move) a directory tree into another",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMirror(args[0], args[1])
		},
	}
)

func runWatch(dirs []string) error {
	color := os.Getenv("NO_COLOR") == "" && term.IsTerminal(int(os.Stdout.Fd()))
	handler := eventPrinter{color: color, quiet: watchOpt.Quiet}

	opts := []pathwatch.Option{
		pathwatch.WithLogger(zap.L()),
		pathwatch.WithGlobExcludes(watchOpt.Excludes...),
	}
	if watchOpt.Workers > 0 {
		opts = append(opts, pathwatch.WithWorkers(watchOpt.Workers))
	}
	if watchOpt.FollowLinks {
		opts = append(opts, pathwatch.WithFollowLinks())
	}
	m, err := pathwatch.New(handler, opts...)
	if err != nil {
		return err
	}
	defer m.Close()

	for _, dir := range dirs {
		if err := m.Add(dir); err != nil {
			return fmt.Errorf("watching %s: %w", dir, err)
		}
	}
	paths, err := m.Paths()
	if err != nil {
		return err
	}
	zap.L().Info("watching", zap.Int("paths", len(paths)))

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	zap.L().Info("shutting down", zap.Stringer("signal", sig))
	return m.Close()
}

// eventPrinter prints one line per event, with the verb colored when
// stdout is a terminal.
type eventPrinter struct {
	color bool
	quiet bool
}

func (p eventPrinter) verb(s string, c func(interface{}) aurora.Value) string {
	if !p.color {
		return s
	}
	return c(s).String()
}

func (p eventPrinter) print(verb string, c func(interface{}) aurora.Value, path string) error {
	if p.quiet {
		return nil
	}
	fmt.Printf("%s\t%s\n", p.verb(verb, c), path)
	return nil
}

func (p eventPrinter) OnAddFile(path string) error      { return p.print("add", aurora.Green, path) }
func (p eventPrinter) OnAddDirectory(path string) error { return p.print("add", aurora.Green, path) }
func (p eventPrinter) OnChangeFile(path string) error   { return p.print("change", aurora.Yellow, path) }
func (p eventPrinter) OnChangeDirectory(path string) error {
	return p.print("change", aurora.Yellow, path)
}
func (p eventPrinter) OnRemoveFile(path string) error { return p.print("remove", aurora.Red, path) }
func (p eventPrinter) OnRemoveDirectory(path string) error {
	return p.print("remove", aurora.Red, path)
}

func (p eventPrinter) HandleError(path string, err error) {
	zap.L().Warn("event failed", zap.String("path", path), zap.Error(err))
}

func runMirror(src, dst string) error {
	action := fsutil.Copy
	if mirrorOpt.Move {
		action = fsutil.Move
	}
	opts := []fsutil.TransferOption{fsutil.WithLogger(zap.L())}
	if mirrorOpt.KeepGoing {
		opts = append(opts, fsutil.ContinueOnError())
	}
	return fsutil.TransferTree(src, dst, action, opts...)
}

func main() {
	flags := watchCmd.Flags()
	flags.StringSliceVarP(&watchOpt.Excludes, "exclude", "x", nil, "Glob patterns to exclude")
	flags.IntVar(&watchOpt.Workers, "workers", 0, "Number of event workers (0 = auto)")
	flags.BoolVar(&watchOpt.FollowLinks, "follow-links", false, "Descend into symlinked directories")
	flags.BoolVarP(&watchOpt.Quiet, "quiet", "q", false, "Suppress per-event output")

	mflags := mirrorCmd.Flags()
	mflags.BoolVar(&mirrorOpt.Move, "move", false, "Move files instead of copying")
	mflags.BoolVarP(&mirrorOpt.KeepGoing, "keep-going", "k", false, "Continue past per-file errors")

	rootCmd.AddCommand(&watchCmd)
	rootCmd.AddCommand(&mirrorCmd)
	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
