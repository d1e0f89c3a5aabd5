// Command mkfs formats a junkfs filesystem: it wipes the metadata and
// data paths and writes a fresh superblock, imap and root inode.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/abbycin/junkfs/pkg/meta"
)

func main() {
	cmd := &cobra.Command{
		Use:   "mkfs <meta_path> <store_path>",
		Short: "Format a junkfs filesystem",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			metaPath, storePath := args[0], args[1]
			for _, p := range []string{metaPath, storePath} {
				if err := os.RemoveAll(p); err != nil {
					return fmt.Errorf("wipe %s: %w", p, err)
				}
				if err := os.MkdirAll(p, 0o755); err != nil {
					return fmt.Errorf("create %s: %w", p, err)
				}
			}
			if err := meta.Format(metaPath, storePath); err != nil {
				return err
			}
			fmt.Printf("formatted meta_path => %s store_path => %s\n", metaPath, storePath)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "can't format: %v\n", err)
		os.Exit(1)
	}
}
