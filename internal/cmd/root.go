package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/yokitheyo/qms-uploader/internal/config"
	"github.com/yokitheyo/qms-uploader/internal/logging"
	"github.com/yokitheyo/qms-uploader/internal/uploadqueue"
)

const envPrefix = "QMSUP"

// Execute runs the root command
func Execute() error {
	return NewRootCmd().Execute()
}

// NewRootCmd builds the command tree. Each tree has its own viper instance
// so flag and env overrides never leak between runs.
func NewRootCmd() *cobra.Command {
	v := viper.New()

	root := &cobra.Command{
		Use:   "qmsup",
		Short: "Upload queue for the QMS-Nexus document backend",
		Long: `qmsup sends documents to the QMS-Nexus backend with a bounded number of
concurrent uploads, follows their processing and retries failed uploads.`,
		SilenceUsage: true,
	}

	bindRootFlags(root, v)

	root.AddCommand(newServeCmd(v), newPushCmd(v))
	return root
}

// bindRootFlags registers the global flags on cmd and binds them, and the
// QMSUP_* environment, to v.
func bindRootFlags(cmd *cobra.Command, v *viper.Viper) {
	flags := cmd.PersistentFlags()
	flags.StringP("config", "c", "config.yaml", "config file")
	flags.String("backend-url", "", "QMS-Nexus API base url, e.g. http://localhost:8000/api/v1")
	flags.String("log-level", "", "log level ("+strings.Join(logging.ValidLevels(), ", ")+")")
	flags.Int("port", 0, "HTTP port for serve")

	_ = v.BindPFlag("config", flags.Lookup("config"))
	_ = v.BindPFlag("backend_url", flags.Lookup("backend-url"))
	_ = v.BindPFlag("log_level", flags.Lookup("log-level"))
	_ = v.BindPFlag("port", flags.Lookup("port"))

	v.SetEnvPrefix(envPrefix)
	// QMSUP_BACKEND_URL for backend_url
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
}

// loadConfig reads the yaml file and applies flag and env overrides on top.
func loadConfig(v *viper.Viper) (*config.Config, error) {
	cfg, err := config.LoadConfig(v.GetString("config"))
	if err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}

	if v.IsSet("backend_url") && v.GetString("backend_url") != "" {
		cfg.Backend.BaseURL = v.GetString("backend_url")
	}
	if v.IsSet("log_level") && v.GetString("log_level") != "" {
		cfg.Logging.Level = v.GetString("log_level")
	}
	if v.IsSet("port") && v.GetInt("port") != 0 {
		cfg.Server.Port = v.GetInt("port")
	}
	cfg.Logging.Level = logging.ParseLevel(cfg.Logging.Level)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func queueOptions(cfg *config.Config, logger *logging.Logger) uploadqueue.Options {
	return uploadqueue.Options{
		MaxConcurrency:    cfg.Queue.MaxConcurrency,
		MaxRetries:        cfg.Queue.MaxRetries,
		AutoRetry:         *cfg.Queue.AutoRetry,
		RetryDelay:        cfg.Queue.RetryDelay,
		PollInterval:      cfg.Queue.PollInterval,
		ProcessingTimeout: cfg.Queue.ProcessingTimeout,
		CompletedLimit:    cfg.Queue.CompletedLimit,
		Logger:            logger,
	}
}
