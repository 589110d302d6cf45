package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/sw33tLie/casefile/internal/utils"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "casefile",
	Short: "Collects identity scan results into per-owner case files.",
	Long: `casefile files resolved identity scan results into case files, folds repeat
sightings of the same subject into the entry already on file, and keeps every
open view of a case file up to date as new results arrive.`,
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.casefile.yaml)")

	// Global flags
	rootCmd.PersistentFlags().StringP("loglevel", "l", "info", "Set log level. Available: debug, info, warn, error, fatal")
	rootCmd.PersistentFlags().String("driver", "", "Storage driver: sqlite, postgres or memory (overrides storage.driver)")
	rootCmd.PersistentFlags().String("dbpath", "", "Path to SQLite DB file (overrides storage.path)")

	viper.BindPFlag("storage.driver", rootCmd.PersistentFlags().Lookup("driver"))
	viper.BindPFlag("storage.path", rootCmd.PersistentFlags().Lookup("dbpath"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := homedir.Dir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
		viper.AddConfigPath(home)
		viper.SetConfigName(".casefile")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("casefile")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("storage.driver", "sqlite")
	viper.SetDefault("storage.path", "casefile.sqlite")
	viper.SetDefault("storage.postgres_url", "")
	viper.SetDefault("storage.op_timeout", "10s")
	viper.SetDefault("engine.atomic_dedup", false)
	viper.SetDefault("redis.addr", "")
	viper.SetDefault("redis.channel", "casefile:mutations")
	viper.SetDefault("backend.base_url", "")
	viper.SetDefault("backend.token", "")
	viper.SetDefault("backend.retries", 3)
	viper.SetDefault("server.listen", ":8080")
	viper.SetDefault("server.username", "")
	viper.SetDefault("server.password", "")

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok && cfgFile == "" {
			// Config file not found; create it with defaults.
			home, _ := homedir.Dir()
			configPath := home + "/.casefile.yaml"
			if err := viper.SafeWriteConfigAs(configPath); err != nil {
				fmt.Fprintf(os.Stderr, "Error creating config file: %s\n", err)
			}
		}
	}

	// Init log library
	levelString, _ := rootCmd.PersistentFlags().GetString("loglevel")
	utils.SetLogLevel(levelString)
}
