package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/graphcache/internal/cache"
	"github.com/dgnsrekt/graphcache/internal/ingest"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	loadCmd = &cobra.Command{
		Use:     "load KEY...",
		Short:   "Print the records stored at the given keys",
		Example: paragraph("graphcache load QUERY_ROOT User:1"),
		Args:    cobra.MinimumNArgs(1),
		RunE:    runLoad,
	}

	mergeCmd = &cobra.Command{
		Use:   "merge FILE...",
		Short: "Merge record sets from JSON files",
		Long: paragraph(fmt.Sprintf("\n%s one or more record sets into the cache. "+
			"Use - to read from stdin. Changed keys are printed one per line.", keyword("Merge"))),
		Example: paragraph("graphcache merge batch.json\ngraphcache merge --policy memory-only -"),
		Args:    cobra.MinimumNArgs(1),
		RunE:    runMerge,
	}

	removeCmd = &cobra.Command{
		Use:   "remove KEY...",
		Short: "Remove single records from every tier",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCache(cmd, func(ctx context.Context, m *cache.Manager) error {
				var errs []error
				for _, arg := range args {
					errs = append(errs, m.RemoveRecord(ctx, cache.CacheKey(arg)))
				}
				return errors.Join(errs...)
			})
		},
	}

	invalidateCmd = &cobra.Command{
		Use:     "invalidate PATTERN...",
		Short:   "Remove every record under a key prefix",
		Example: paragraph("graphcache invalidate User:1\n# removes User:1 and User:1.friends, keeps User:10"),
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCache(cmd, func(ctx context.Context, m *cache.Manager) error {
				var errs []error
				for _, arg := range args {
					errs = append(errs, m.RemoveRecords(ctx, cache.CacheKey(arg)))
				}
				return errors.Join(errs...)
			})
		},
	}

	clearCmd = &cobra.Command{
		Use:   "clear",
		Short: "Remove every record from every tier",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withCache(cmd, func(ctx context.Context, m *cache.Manager) error {
				return m.Clear(ctx)
			})
		},
	}

	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show tier statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withCache(cmd, func(_ context.Context, m *cache.Manager) error {
				s := m.Stats()
				w := cmd.OutOrStdout()
				printTierStats(w, "memory", s.Memory)
				if s.HasDurable {
					printTierStats(w, "durable", s.Durable)
				}
				return nil
			})
		},
	}

	pruneCmd = &cobra.Command{
		Use:   "prune",
		Short: "Remove expired durable records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withCache(cmd, func(ctx context.Context, m *cache.Manager) error {
				n, err := m.PruneExpired(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "pruned %s expired records\n", humanize.Comma(int64(n)))
				return nil
			})
		},
	}

	watchCmd = &cobra.Command{
		Use:   "watch DIR",
		Short: "Merge record sets dropped into a spool directory",
		Long: paragraph(fmt.Sprintf("\n%s DIR for *.json record sets and merge each one as it appears. "+
			"Merged files are deleted; files that cannot be decoded are renamed *.rejected.", keyword("Watch"))),
		Args: cobra.ExactArgs(1),
		RunE: runWatch,
	}
)

var watchRate int

func init() {
	watchCmd.Flags().IntVar(&watchRate, "rate", 0, "maximum batches merged per minute (0 disables)")
}

func withCache(cmd *cobra.Command, fn func(context.Context, *cache.Manager) error) error {
	m, err := openCache()
	if err != nil {
		return err
	}
	defer func() {
		if err := m.Close(); err != nil {
			log.Warn("could not close cache", "error", err)
		}
	}()
	return fn(cmd.Context(), m)
}

func runLoad(cmd *cobra.Command, args []string) error {
	return withCache(cmd, func(ctx context.Context, m *cache.Manager) error {
		keys := cache.NewKeySet()
		for _, arg := range args {
			keys.Add(cache.CacheKey(arg))
		}

		found, err := m.LoadRecords(ctx, keys)
		if err != nil {
			return err
		}
		for _, key := range keys.Sorted() {
			if _, ok := found[key]; !ok {
				log.Debug("record not found", "key", key)
			}
		}

		records := make([]cache.Record, 0, len(found))
		for _, r := range found {
			records = append(records, r)
		}
		out, err := json.MarshalIndent(cache.NewRecordSet(records...), "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	})
}

func runMerge(cmd *cobra.Command, args []string) error {
	rc, err := requestContext()
	if err != nil {
		return err
	}

	batches := make([]cache.RecordSet, 0, len(args))
	for _, arg := range args {
		rs, err := readRecordSet(cmd, arg)
		if err != nil {
			return err
		}
		batches = append(batches, rs)
	}

	return withCache(cmd, func(ctx context.Context, m *cache.Manager) error {
		changed := cache.NewKeySet()
		var failures []error
		for i, rs := range batches {
			c, err := m.Merge(ctx, rs, rc)
			changed.Union(c)
			for _, conflict := range cache.Conflicts(err) {
				log.Warn("merge conflict", "source", args[i], "conflict", conflict.String())
			}
			if err != nil && !cache.OnlyConflicts(err) {
				failures = append(failures, fmt.Errorf("%s: %w", args[i], err))
			}
		}

		w := cmd.OutOrStdout()
		for _, key := range changed.Sorted() {
			fmt.Fprintln(w, keyStyle.Render(key.String()))
		}
		log.Debug("merge finished", "files", len(batches), "changed", changed.Len(), "policy", rc.Policy)
		return errors.Join(failures...)
	})
}

func runWatch(cmd *cobra.Command, args []string) error {
	rc, err := requestContext()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return withCache(cmd, func(_ context.Context, m *cache.Manager) error {
		w := ingest.New(args[0], m,
			ingest.WithRequestContext(rc),
			ingest.WithRateLimit(watchRate),
			ingest.WithLogger(log.Default()),
			ingest.WithChangeFunc(func(source string, changed cache.KeySet) {
				for _, key := range changed.Sorted() {
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", faintStyle.Render(source), keyStyle.Render(key.String()))
				}
			}),
		)
		return w.Run(ctx)
	})
}

func readRecordSet(cmd *cobra.Command, name string) (cache.RecordSet, error) {
	var r io.Reader
	if name == "-" {
		r = cmd.InOrStdin()
	} else {
		f, err := os.Open(name)
		if err != nil {
			return cache.RecordSet{}, fmt.Errorf("unable to open record set: %w", err)
		}
		defer func() { _ = f.Close() }()
		r = f
	}

	var rs cache.RecordSet
	if err := json.NewDecoder(r).Decode(&rs); err != nil {
		return cache.RecordSet{}, fmt.Errorf("unable to decode %s: %w", name, err)
	}
	return rs, nil
}

func printTierStats(w io.Writer, name string, s cache.CacheStats) {
	lastMerge := "never"
	if !s.LastMerge.IsZero() {
		lastMerge = humanize.RelTime(s.LastMerge, time.Now(), "ago", "from now")
	}
	fmt.Fprintf(w, "%s\n", keyword(name))
	fmt.Fprintf(w, "  records:    %s\n", humanize.Comma(int64(s.Records)))
	fmt.Fprintf(w, "  size:       %s\n", humanize.Bytes(uint64(s.Size)))
	fmt.Fprintf(w, "  hit rate:   %.1f%% (%s hits, %s misses)\n", s.HitRate()*100, humanize.Comma(s.Hits), humanize.Comma(s.Misses))
	fmt.Fprintf(w, "  merges:     %s (%s changed, %s conflicts)\n", humanize.Comma(s.Merges), humanize.Comma(s.Changed), humanize.Comma(s.Conflicts))
	fmt.Fprintf(w, "  last merge: %s\n", lastMerge)
}
