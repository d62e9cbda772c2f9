package main

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"digital.vasic.fileops/pkg/engine"
	"digital.vasic.fileops/pkg/fileops"
	"digital.vasic.fileops/pkg/queue"
)

func parseRefs(args ...string) ([]engine.Ref, error) {
	refs := make([]engine.Ref, 0, len(args))
	for _, a := range args {
		r, err := engine.ParseRef(a)
		if err != nil {
			return nil, err
		}
		refs = append(refs, r)
	}
	return refs, nil
}

func newTransferCmd(opts *globalOptions, kind engine.Kind) *cobra.Command {
	var conflict conflictFlags
	cmd := &cobra.Command{
		Use:   kind.String() + " source:path dest:path",
		Short: fmt.Sprintf("%s a file to another path or resource.", strings.ToUpper(kind.String()[:1])+kind.String()[1:]),
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			refs, err := parseRefs(args...)
			if err != nil {
				return err
			}
			return run(cmd, opts, func(ctx context.Context, s *fileops.Service) error {
				res, err := s.Execute(ctx, engine.Descriptor{
					Kind:       kind,
					Source:     refs[0],
					Dest:       refs[1],
					Context:    opts.undoCtx,
					OnConflict: conflict.resolution(),
				})
				printResult(cmd, res)
				return err
			})
		},
	}
	conflict.register(cmd, cmd.Flags())
	return cmd
}

func newRenameCmd(opts *globalOptions) *cobra.Command {
	var conflict conflictFlags
	cmd := &cobra.Command{
		Use:   "rename resource:path new-name",
		Short: "Rename a file on its resource.",
		Long: `Rename a file on its resource. A new name without a slash keeps the
file in its directory; otherwise it is a path on the same resource.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := engine.ParseRef(args[0])
			if err != nil {
				return err
			}
			dest := args[1]
			if !strings.Contains(dest, "/") {
				dest = path.Join(path.Dir(src.Path), dest)
			}
			return run(cmd, opts, func(ctx context.Context, s *fileops.Service) error {
				res, err := s.Execute(ctx, engine.Descriptor{
					Kind:       engine.Rename,
					Source:     src,
					Dest:       engine.Ref{Resource: src.Resource, Path: dest},
					Context:    opts.undoCtx,
					OnConflict: conflict.resolution(),
				})
				printResult(cmd, res)
				return err
			})
		},
	}
	conflict.register(cmd, cmd.Flags())
	return cmd
}

func newDeleteCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete resource:path...",
		Short: "Move files to their resource trash.",
		Long: `Move files to the .trash directory of their resource. The deletion of
all given files is recorded as one undo step.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			refs, err := parseRefs(args...)
			if err != nil {
				return err
			}
			ds := make([]engine.Descriptor, len(refs))
			for i, r := range refs {
				ds[i] = engine.Descriptor{Kind: engine.Delete, Source: r, Context: opts.undoCtx}
			}
			return run(cmd, opts, func(ctx context.Context, s *fileops.Service) error {
				return printBatch(cmd, s.Batch(ctx, opts.undoCtx, ds))
			})
		},
	}
}

func printBatch(cmd *cobra.Command, br *engine.BatchResult) error {
	out := cmd.OutOrStdout()
	var errs []error
	for _, list := range [][]*engine.Result{br.Succeeded, br.Skipped, br.Queued, br.Failed} {
		for _, res := range list {
			fmt.Fprintf(out, "%s %s: %s", res.Descriptor.Kind, res.Descriptor.Source, res.State)
			if res.Err != nil {
				fmt.Fprintf(out, ": %v", res.Err)
				errs = append(errs, res.Err)
			}
			fmt.Fprintln(out)
		}
	}
	if br.Undo != nil {
		fmt.Fprintf(out, "undo: %s\n", br.Undo.ID)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%d of %d operations failed: %w", len(errs),
			len(br.Succeeded)+len(br.Skipped)+len(br.Queued)+len(br.Failed), errors.Join(errs...))
	}
	return nil
}

func newUndoCmd(opts *globalOptions) *cobra.Command {
	var list bool
	cmd := &cobra.Command{
		Use:   "undo [id]",
		Short: "Revert the last operation of the undo context, or the given step.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts, func(ctx context.Context, s *fileops.Service) error {
				out := cmd.OutOrStdout()
				if list {
					for _, d := range s.History(opts.undoCtx) {
						fmt.Fprintf(out, "%s\t%s\t%d items\texpires %s\n", d.ID, d.Kind(), len(d.Items), d.ExpiresAt.Format("15:04:05"))
					}
					return nil
				}
				if len(args) == 1 {
					if err := s.Undo(ctx, args[0]); err != nil {
						return err
					}
					fmt.Fprintf(out, "reverted %s\n", args[0])
					return nil
				}
				d, err := s.UndoLast(ctx, opts.undoCtx)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "reverted %s (%s, %d items)\n", d.ID, d.Kind(), len(d.Items))
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&list, "list", "l", false, "list the undoable steps instead")
	return cmd
}

func newDrainCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "drain [resource...]",
		Short: "Replay queued operations of resources that are online again.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts, func(ctx context.Context, s *fileops.Service) error {
				if len(args) == 0 {
					reports, err := s.DrainOnline(ctx)
					for r, rep := range reports {
						printReport(cmd, r, rep)
					}
					return err
				}
				for _, r := range args {
					rep, err := s.Drain(ctx, r)
					printReport(cmd, r, rep)
					if err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func printReport(cmd *cobra.Command, resource string, rep queue.Report) {
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %d succeeded, %d requeued, %d failed, %d remaining\n",
		resource, rep.Succeeded, rep.Requeued, rep.Failed, rep.Remaining)
}

func newQueueCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "List queued and failed operations.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts, func(ctx context.Context, s *fileops.Service) error {
				resources, err := s.QueuedResources()
				if err != nil {
					return err
				}
				for _, r := range resources {
					pending, err := s.Pending(r)
					if err != nil {
						return err
					}
					failed, err := s.Failed(r)
					if err != nil {
						return err
					}
					printItems(cmd, "pending", pending)
					printItems(cmd, "failed", failed)
				}
				return nil
			})
		},
	}
	cmd.AddCommand(
		newQueueItemCmd(opts, "retry", "Move a failed operation back to the queue.", (*fileops.Service).Retry),
		newQueueItemCmd(opts, "discard", "Drop a failed operation.", (*fileops.Service).Discard),
	)
	return cmd
}

func printItems(cmd *cobra.Command, list string, items []*queue.Item) {
	out := cmd.OutOrStdout()
	for _, it := range items {
		var d engine.Descriptor
		desc := "?"
		if err := it.Decode(&d); err == nil {
			desc = d.Kind.String() + " " + d.Source.String()
			if d.Kind != engine.Delete {
				desc += " -> " + d.Dest.String()
			}
		}
		fmt.Fprintf(out, "%s\t%s\t%d\t%s\tretries=%d", it.Resource, list, it.Seq, desc, it.Retries)
		if it.LastError != "" {
			fmt.Fprintf(out, "\t%s", it.LastError)
		}
		fmt.Fprintln(out)
	}
}

func newQueueItemCmd(opts *globalOptions, use, short string, fn func(*fileops.Service, string, uint64) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " resource seq",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			seq, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid sequence number %q: %w", args[1], err)
			}
			return run(cmd, opts, func(ctx context.Context, s *fileops.Service) error {
				return fn(s, args[0], seq)
			})
		},
	}
}

func newCacheEvictCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cache-evict",
		Short: "Evict expired and least recently used cache entries.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts, func(ctx context.Context, s *fileops.Service) error {
				n, err := s.Evict(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "evicted %d entries, %d bytes cached\n", n, s.CacheSize())
				return nil
			})
		},
	}
}

func newTrashPurgeCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "trash-purge [resource]",
		Short: "Remove trash entries older than the retention period.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resource := ""
			if len(args) == 1 {
				resource = args[0]
			}
			return run(cmd, opts, func(ctx context.Context, s *fileops.Service) error {
				n, err := s.PurgeTrash(ctx, resource)
				fmt.Fprintf(cmd.OutOrStdout(), "purged %d trash entries\n", n)
				return err
			})
		},
	}
}
