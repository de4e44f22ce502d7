// Command diskcache inspects and mutates a diskcache directory.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/meigma/diskcache"
)

var (
	flagDir     string
	flagMaxSize int64
)

func main() {
	os.Exit(run())
}

func run() int {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "diskcache",
		Short:         "Inspect and mutate a diskcache directory",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&flagDir, "dir", "", "cache directory (required)")
	root.PersistentFlags().Int64Var(&flagMaxSize, "max-size", 1<<30, "maximum cache size in bytes")
	_ = root.MarkPersistentFlagRequired("dir")

	root.AddCommand(newGetCmd(), newPutCmd(), newRmCmd(), newLsCmd(), newStatCmd(), newClearCmd())
	return root
}

func openCache() (*diskcache.Cache, error) {
	return diskcache.Open(flagDir, flagMaxSize)
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get KEY",
		Short: "Write the value for KEY to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCache()
			if err != nil {
				return err
			}
			defer c.Close()
			snap, err := c.Snapshot(args[0])
			if err != nil {
				return err
			}
			r, ok := snap.OpenRead()
			if !ok {
				return fmt.Errorf("key %q not found", args[0])
			}
			defer r.Close()
			_, err = io.Copy(cmd.OutOrStdout(), r)
			return err
		},
	}
}

func newPutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put KEY",
		Short: "Store stdin as the value for KEY",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCache()
			if err != nil {
				return err
			}
			defer c.Close()
			snap, err := c.Snapshot(args[0])
			if err != nil {
				return err
			}
			w, ok, err := snap.OpenWrite()
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("key %q has a write in flight", args[0])
			}
			if _, err := io.Copy(w, cmd.InOrStdin()); err != nil {
				_ = w.Discard()
				return err
			}
			return w.Close()
		},
	}
}

func newRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm KEY",
		Short: "Delete the value for KEY",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCache()
			if err != nil {
				return err
			}
			defer c.Close()
			snap, err := c.Snapshot(args[0])
			if err != nil {
				return err
			}
			return snap.Delete()
		},
	}
}

func newLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List keys, least recently used first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCache()
			if err != nil {
				return err
			}
			defer c.Close()
			for _, key := range c.Keys() {
				fmt.Fprintln(cmd.OutOrStdout(), key)
			}
			return nil
		},
	}
}

func newStatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat",
		Short: "Print cache size and size bound",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCache()
			if err != nil {
				return err
			}
			defer c.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "size: %d\nmax-size: %d\n", c.Size(), c.MaxSize())
			return nil
		},
	}
}

func newClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove all cached values",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCache()
			if err != nil {
				return err
			}
			defer c.Close()
			return c.Clear()
		},
	}
}
