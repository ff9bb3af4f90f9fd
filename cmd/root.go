package main

import (
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/spf13/viper"

	"github.com/pelusa-v/pelusa-chat/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "pelusa-chat",
	Short: "Runs the pelusa chat engine behind an HTTP and websocket API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		applyFlags(cfg)
		if err := cfg.Validate(); err != nil {
			return err
		}
		initLog(cfg.LogLevel, cfg.LogPath)
		return run(cmd.Context(), cfg)
	},
}

// applyFlags lets explicitly set flags override the environment.
func applyFlags(cfg *config.Config) {
	if viper.IsSet("addr") {
		cfg.Addr = viper.GetString("addr")
	}
	if viper.IsSet("logLevel") {
		cfg.LogLevel = viper.GetUint("logLevel")
	}
	if viper.IsSet("log") {
		cfg.LogPath = viper.GetString("log")
	}
	if viper.IsSet("journal") {
		cfg.JournalPath = viper.GetString("journal")
	}
	if viper.IsSet("contacts") {
		cfg.ContactsFile = viper.GetString("contacts")
	}
	if viper.IsSet("loopbackFailureRate") {
		cfg.LoopbackFailureRate = viper.GetFloat64("loopbackFailureRate")
	}
}

func initLog(threshold uint, logPath string) {
	if logPath != "-" && logPath != "" {
		jww.SetStdoutOutput(io.Discard)
		logOutput, err := os.OpenFile(logPath,
			os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			panic(err.Error())
		}
		jww.SetLogOutput(logOutput)
	}

	if threshold > 1 {
		jww.INFO.Printf("log level set to: TRACE")
		jww.SetStdoutThreshold(jww.LevelTrace)
		jww.SetLogThreshold(jww.LevelTrace)
		jww.SetFlags(log.LstdFlags | log.Lmicroseconds)
	} else if threshold == 1 {
		jww.INFO.Printf("log level set to: DEBUG")
		jww.SetStdoutThreshold(jww.LevelDebug)
		jww.SetLogThreshold(jww.LevelDebug)
		jww.SetFlags(log.LstdFlags | log.Lmicroseconds)
	} else {
		jww.INFO.Printf("log level set to: INFO")
		jww.SetStdoutThreshold(jww.LevelInfo)
		jww.SetLogThreshold(jww.LevelInfo)
	}
}

func init() {
	rootCmd.PersistentFlags().UintP("logLevel", "v", 0,
		"Verbose mode for debugging")
	viper.BindPFlag("logLevel", rootCmd.PersistentFlags().Lookup("logLevel"))

	rootCmd.PersistentFlags().StringP("log", "l", "-",
		"Path to the log output path (- is stdout)")
	viper.BindPFlag("log", rootCmd.PersistentFlags().Lookup("log"))

	rootCmd.Flags().StringP("addr", "a", "127.0.0.1:3000",
		"Address the HTTP API listens on")
	viper.BindPFlag("addr", rootCmd.Flags().Lookup("addr"))

	rootCmd.Flags().StringP("journal", "j", "pelusa.db",
		"Directory of the message journal")
	viper.BindPFlag("journal", rootCmd.Flags().Lookup("journal"))

	rootCmd.Flags().String("contacts", "contacts.yaml",
		"YAML file with the device contacts")
	viper.BindPFlag("contacts", rootCmd.Flags().Lookup("contacts"))

	rootCmd.Flags().Float64("loopbackFailureRate", 0,
		"Fraction of sends the loopback transport fails")
	viper.BindPFlag("loopbackFailureRate", rootCmd.Flags().Lookup("loopbackFailureRate"))
}
