package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"tradedesk/internal/observability"
)

var runMigrate bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the HTTP server and the automation scheduler",
	RunE:  run,
}

func init() {
	runCmd.Flags().BoolVar(&runMigrate, "migrate", false, "run database migrations before starting")
	rootCmd.AddCommand(runCmd)
}

func run(cmd *cobra.Command, args []string) error {
	ctx := cmdContext(cmd)
	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	cfg, logger := a.Config, a.Logger

	// OpenTelemetry 初始化（可选）
	shutdownOTel, err := observability.SetupTracing(ctx, cfg)
	if err != nil {
		logger.Warnf("init tracing: %v", err)
	} else {
		defer func() { _ = shutdownOTel(context.Background()) }()
	}

	if runMigrate {
		if err := a.Migrate(); err != nil {
			return err
		}
		logger.Info("database migration completed")
	}

	if cfg.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := a.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           a.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Starting server on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		logger.WithError(err).Error("server failed")
		return err
	}

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
	}
	a.Shutdown(shutdownCtx)

	logger.Info("Server exited")
	return nil
}
