package cmd

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/forgecellar/gitcore/cmd/gitd/internal/daemon"
	"github.com/forgecellar/gitcore/gitlog"
)

var (
	serveListen         string
	serveReposRoot      string
	serveMaxConnections int64
	serveMaxBlocking    int64
	serveIdleTimeout    time.Duration
	serveRequestTimeout time.Duration
	serveDebug          bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the git:// smart-protocol listener",
	RunE: func(cmd *cobra.Command, args []string) error {
		level := slog.LevelInfo
		if serveDebug {
			level = slog.LevelDebug
		}
		logger := gitlog.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

		ln, err := net.Listen("tcp", serveListen)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", serveListen, err)
		}
		defer ln.Close()

		srv := daemon.New(daemon.Options{
			ReposRoot:       serveReposRoot,
			MaxConnections:  serveMaxConnections,
			MaxBlocking:     serveMaxBlocking,
			IdleReadTimeout: serveIdleTimeout,
			RequestTimeout:  serveRequestTimeout,
			Logger:          logger,
		})

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		logger.Info("gitd listening", "addr", ln.Addr().String(), "reposRoot", serveReposRoot)
		return srv.Serve(ctx, ln)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", ":9418", "address to listen on")
	serveCmd.Flags().StringVar(&serveReposRoot, "repos-root", ".", "directory containing bare repositories")
	serveCmd.Flags().Int64Var(&serveMaxConnections, "max-connections", 64, "maximum concurrent connections")
	serveCmd.Flags().Int64Var(&serveMaxBlocking, "max-blocking", 8, "maximum concurrent CPU-heavy pack operations")
	serveCmd.Flags().DurationVar(&serveIdleTimeout, "idle-read-timeout", daemon.DefaultIdleReadTimeout, "idle read timeout for the initial request line")
	serveCmd.Flags().DurationVar(&serveRequestTimeout, "request-timeout", daemon.DefaultRequestTimeout, "whole-request timeout")
	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd)
}
