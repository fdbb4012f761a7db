package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/odvcencio/barehub/pkg/logging"
	"github.com/odvcencio/barehub/pkg/repo"
	"github.com/odvcencio/barehub/pkg/server"
)

type options struct {
	addr       string
	logLevel   string
	signingKey string
	cacheSize  int
	watch      bool
}

// noRepositoryError is reported before any listener opens.
type noRepositoryError struct {
	path string
}

func (e *noRepositoryError) Error() string {
	return "There is no bare git repository at: " + e.path
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString(err.Error()))
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := options{}
	cmd := &cobra.Command{
		Use:           "barehub [flags] <repository-path>",
		Short:         "Browse and edit a bare git repository over HTTP",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, args[0], opts)
		},
	}

	cmd.Flags().StringVar(&opts.addr, "addr", server.DefaultAddr, "listen address")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&opts.signingKey, "signing-key", "", "SSH private key used to sign edit commits")
	cmd.Flags().IntVar(&opts.cacheSize, "cache-size", 0, "decoded objects kept in memory (0 selects the default)")
	cmd.Flags().BoolVar(&opts.watch, "watch", true, "push branch updates made by other processes to the events feed")
	return cmd
}

func run(cmd *cobra.Command, path string, opts options) error {
	logger, err := logging.NewLogger(opts.logLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	repoOpts := repo.Options{
		CacheSize: opts.cacheSize,
		Logger:    logger.Logger,
	}
	if cmd.Flags().Changed("signing-key") {
		signer, keyPath, err := newSSHCommitSigner(opts.signingKey)
		if err != nil {
			return err
		}
		repoOpts.Signer = signer
		logger.Info("signing edit commits", zap.String("key", keyPath))
	}

	r, err := repo.Open(path, repoOpts)
	if err != nil {
		if errors.Is(err, repo.ErrRepositoryUnavailable) {
			logger.Debug("open repository", zap.Error(err))
			return &noRepositoryError{path: path}
		}
		return err
	}
	defer r.Close()

	color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "Hosting backend for git repository in path %s\n", path)

	srv := server.New(r, server.Options{
		Addr:   opts.addr,
		Logger: logger,
		Watch:  opts.watch,
	})
	return srv.Run(cmd.Context())
}
