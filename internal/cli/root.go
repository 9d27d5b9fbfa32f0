package cli

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	logger  *log.Logger
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "scenesync",
	Short: "SceneSync - collaborative 3D scene sessions and repository uploads",
	Long: `scenesync joins shared model-viewing rooms on a collaboration server
and uploads model bundles to a hosted git service with rate-limit aware
batching.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute is the entry point called from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/scenesync/config.yaml)")
}

func initConfig() {
	out := os.Stderr
	logger = log.New(out, "[scenesync] ", log.LstdFlags)
	if !verbose {
		logger.SetOutput(nopWriter{})
	}

	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(filepath.Join(home, ".config", "scenesync"))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("SCENESYNC")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Fprintln(out, "Using config file:", viper.ConfigFileUsed())
	}
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }
