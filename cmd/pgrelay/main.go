package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pgrelay/pgrelay/pkg/config"
)

var (
	cfgFile  string
	logLevel string
	cfg      *config.Config
	logger   *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "pgrelay",
	Short: "pgrelay streams PostgreSQL row changes to message brokers",
	Long:  `pgrelay captures row-level changes from a PostgreSQL replication slot, reshapes them and publishes them to topic-based sinks with durable resume offsets.`,
	Run: func(cmd *cobra.Command, args []string) {
		versionFlag, _ := cmd.Flags().GetBool("version")
		if versionFlag {
			fmt.Println(config.Version)
			return
		}
		cmd.Help()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initLogger)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/pgrelay.yaml)")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "L", "info", "log at this level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolP("version", "v", false, "Print the version number")

	rootCmd.AddCommand(runCmd)
}

func initConfig() {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		fmt.Println("Error loading config:", err)
		os.Exit(1)
	}
}

func initLogger() {
	level, err := zap.ParseAtomicLevel(logLevel)
	if err != nil {
		fmt.Println("Invalid log level:", logLevel)
		os.Exit(1)
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = level
	logger, err = zapCfg.Build()
	if err != nil {
		fmt.Println("Error building logger:", err)
		os.Exit(1)
	}
	zap.ReplaceGlobals(logger)
}
