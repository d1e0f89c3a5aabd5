// Command junkfs mounts a formatted filesystem over FUSE and serves it
// until unmount.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/abbycin/junkfs/internal/logger"
	"github.com/abbycin/junkfs/pkg/config"
	junkfs "github.com/abbycin/junkfs/pkg/fs"
)

func main() {
	cmd := &cobra.Command{
		Use:   "junkfs <meta_path> <mount_point>",
		Short: "Mount a junkfs filesystem",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(args[0], args[1])
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "junkfs: %v\n", err)
		os.Exit(1)
	}
}

func run(metaPath, mountPoint string) error {
	cfg := config.Load()
	if err := logger.Init(logger.Config{
		Level:  cfg.LogLevel,
		Output: cfg.LogFile,
	}); err != nil {
		return err
	}
	fmt.Printf("log write to %s level %s meta_path %s mount_point %s\n",
		cfg.LogFile, cfg.LogLevel, metaPath, mountPoint)

	filesystem, err := junkfs.New(metaPath, cfg)
	if err != nil {
		return fmt.Errorf("load filesystem: %w", err)
	}

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Error("metrics listener failed", "addr", cfg.MetricsAddr, "error", err)
			}
		}()
	}

	server := fuseutil.NewFileSystemServer(filesystem)
	mountCfg := &fuse.MountConfig{
		FSName:                  "junkfs",
		Subtype:                 "jfs",
		ErrorLogger:             log.New(os.Stderr, "fuse: ", 0),
		DisableWritebackCaching: cfg.DisableWritebackCache,
		EnableAsyncReads:        true,
		Options: map[string]string{
			"max_read": "16777216",
		},
	}

	mfs, err := fuse.Mount(mountPoint, server, mountCfg)
	if err != nil {
		return fmt.Errorf("mount %s: %w", mountPoint, err)
	}

	// A signal triggers a lazy unmount; Join then returns once the
	// kernel connection drains and Destroy has run.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("unmounting on signal", "signal", sig.String())
		if err := fuse.Unmount(mountPoint); err != nil {
			logger.Error("unmount failed", "error", err)
		}
	}()

	if err := mfs.Join(context.Background()); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}
