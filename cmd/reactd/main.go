package main

import (
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/TheEterna/real-agent-sub001/pkg/config"
)

var (
	v          = config.NewViper()
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "reactd",
	Short: "reactd runs reasoning-and-acting agent turns",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// reinitialize the logger because we can now parse --log-level and co
		return initLogger()
	},
	SilenceUsage: true,
}

type logConfig struct {
	WithCaller bool
	Level      string
	LogFormat  string
	LogFile    string
}

func initLogger() error {
	return InitLogger(&logConfig{
		Level:      v.GetString("log-level"),
		LogFile:    v.GetString("log-file"),
		LogFormat:  v.GetString("log-format"),
		WithCaller: v.GetBool("with-caller"),
	})
}

func InitLogger(config *logConfig) error {
	if config.WithCaller {
		log.Logger = log.With().Caller().Logger()
	}
	// default is json
	var logWriter io.Writer
	if config.LogFormat == "text" {
		logWriter = zerolog.ConsoleWriter{Out: os.Stderr, NoColor: !isatty.IsTerminal(os.Stderr.Fd())}
	} else {
		logWriter = os.Stderr
	}

	if config.LogFile != "" {
		logWriter = io.MultiWriter(
			logWriter,
			zerolog.ConsoleWriter{
				NoColor: true,
				Out: &lumberjack.Logger{
					Filename:   config.LogFile,
					MaxSize:    10, // megabytes
					MaxBackups: 3,
					MaxAge:     28, // days
				},
			})
	}

	log.Logger = log.Output(logWriter)

	level, err := zerolog.ParseLevel(config.Level)
	if err != nil || config.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	return nil
}

func loadSettings() (*config.Settings, error) {
	s, err := config.Load(v, configFile)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("config", v.ConfigFileUsed()).Msg("loaded configuration")
	return s, nil
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "Log format (json, text)")
	rootCmd.PersistentFlags().String("log-file", "", "Also write logs to this file, rotated")
	rootCmd.PersistentFlags().Bool("with-caller", false, "Log caller information")
	cobra.CheckErr(v.BindPFlags(rootCmd.PersistentFlags()))

	rootCmd.AddCommand(newServeCommand(), newRunCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
