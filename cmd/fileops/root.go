package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"digital.vasic.fileops/pkg/config"
	"digital.vasic.fileops/pkg/engine"
	"digital.vasic.fileops/pkg/fileops"
)

type globalOptions struct {
	configPath string
	undoCtx    string
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "fileops",
		Short:         "Copy, move, rename and delete files across storage resources.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "config file (default $XDG_CONFIG_HOME/fileops/config.yaml)")
	flags.StringVar(&opts.undoCtx, "context", "cli", "undo context that records and reverts operations")

	root.AddCommand(
		newTransferCmd(opts, engine.Copy),
		newTransferCmd(opts, engine.Move),
		newRenameCmd(opts),
		newDeleteCmd(opts),
		newUndoCmd(opts),
		newDrainCmd(opts),
		newQueueCmd(opts),
		newCacheEvictCmd(opts),
		newTrashPurgeCmd(opts),
	)
	return root
}

// run opens the service, runs fn and closes the service. Interrupts cancel
// the running operation.
func run(cmd *cobra.Command, opts *globalOptions, fn func(ctx context.Context, s *fileops.Service) error) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	s, err := fileops.New(ctx, cfg)
	if err != nil {
		return err
	}
	err = fn(ctx, s)
	if cerr := s.Close(context.Background()); err == nil {
		err = cerr
	}
	return err
}

// conflictFlags selects how an existing destination is handled.
type conflictFlags struct {
	overwrite bool
	skip      bool
	keepBoth  bool
}

func (c *conflictFlags) register(cmd *cobra.Command, flags *pflag.FlagSet) {
	flags.BoolVar(&c.overwrite, "overwrite", false, "replace an existing destination (recoverable with undo)")
	flags.BoolVar(&c.skip, "skip", false, "leave an existing destination alone")
	flags.BoolVar(&c.keepBoth, "keep-both", false, "write to the first free \"name (n).ext\" instead")
	cmd.MarkFlagsMutuallyExclusive("overwrite", "skip", "keep-both")
}

func (c *conflictFlags) resolution() engine.Resolution {
	switch {
	case c.overwrite:
		return engine.Overwrite
	case c.skip:
		return engine.Skip
	case c.keepBoth:
		return engine.KeepBoth
	}
	return engine.Ask
}

func printResult(cmd *cobra.Command, res *engine.Result) {
	out := cmd.OutOrStdout()
	d := res.Descriptor
	switch d.Kind {
	case engine.Delete:
		fmt.Fprintf(out, "%s %s: %s\n", d.Kind, d.Source, res.State)
	default:
		fmt.Fprintf(out, "%s %s -> %s: %s", d.Kind, d.Source, res.Dest, res.State)
		if res.Bytes > 0 {
			fmt.Fprintf(out, " (%d bytes)", res.Bytes)
		}
		fmt.Fprintln(out)
	}
	if res.Undo != nil {
		fmt.Fprintf(out, "undo: %s\n", res.Undo.ID)
	}
}
