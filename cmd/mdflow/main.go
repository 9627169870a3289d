// Package main is the mdflow command-line client.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dunamismax/mdflow/internal/client"
)

// version is set at build time via ldflags.
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "mdflow",
	Short: "Convert PDF files to Markdown through an mdflow server",
	Long: `mdflow uploads PDF files to an mdflow server, follows each conversion until
it finishes and saves the resulting Markdown.

The server address comes from --server, MDFLOW_SERVER or the "server" key in
mdflow.yaml.`,
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", "", "config file (default: ./mdflow.yaml or ~/.config/mdflow/mdflow.yaml)")
	rootCmd.PersistentFlags().String("server", "http://localhost:8080", "mdflow server base URL")
	rootCmd.PersistentFlags().String("user", "", "user id sent for rate limiting")
	rootCmd.PersistentFlags().Duration("timeout", 10*time.Minute, "overall deadline for a command")

	_ = viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("user", rootCmd.PersistentFlags().Lookup("user"))
	_ = viper.BindPFlag("timeout", rootCmd.PersistentFlags().Lookup("timeout"))
}

func initConfig() {
	cfgFile, _ := rootCmd.PersistentFlags().GetString("config")
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("mdflow")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")

		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "mdflow"))
		}
	}

	viper.SetEnvPrefix("MDFLOW")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

func newClient() (*client.Client, error) {
	return client.New(client.Config{
		BaseURL: viper.GetString("server"),
		UserID:  viper.GetString("user"),
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
