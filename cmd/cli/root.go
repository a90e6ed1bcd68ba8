package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"tradedesk/internal/app"
	"tradedesk/internal/config"
)

var (
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "tradedesk",
	Short: "TradeDesk automation backend",
	Long: `TradeDesk runs the automation engine behind the logistics CRM:
event, schedule and webhook triggered automations, their execution log,
and the cron jobs that keep them running.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yml)")
}

// initConfig 环境变量 TRADEDESK_AUTOMATION_WEBHOOK_TIMEOUT 覆盖 automation.webhook_timeout
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("TRADEDESK")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			fmt.Fprintln(os.Stderr, "Error reading config file:", err)
		}
	}
}

// loadConfig 读取配置并初始化日志
func loadConfig() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	logger, err := config.InitLogger(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logger, nil
}

// buildApp connects storage and assembles services. A Redis outage is not
// fatal: the app falls back to in-process state.
func buildApp(ctx context.Context) (*app.App, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}
	db, err := app.OpenDatabase(cfg)
	if err != nil {
		return nil, err
	}
	rdb, err := app.OpenRedis(ctx, cfg)
	if err != nil {
		logger.WithError(err).Warn("redis unavailable, using in-memory limiter and rate cache")
		rdb = nil
	}
	a, err := app.New(cfg, db, rdb, logger)
	if err != nil {
		return nil, err
	}
	a.Version = Version
	return a, nil
}
