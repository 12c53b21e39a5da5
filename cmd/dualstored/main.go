package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/syncwell/dualstore/internal/datastore"
	"github.com/syncwell/dualstore/internal/datastore/couchstore"
	"github.com/syncwell/dualstore/internal/datastore/diskstore"
	"github.com/syncwell/dualstore/internal/mutation"
	"github.com/syncwell/dualstore/internal/sync"
	"github.com/syncwell/dualstore/internal/utils"
	"github.com/syncwell/dualstore/internal/version"
)

var (
	home, _        = os.UserHomeDir()
	defaultDataDir = filepath.Join(home, "Dualstore")
	defaultCouchDB = "dualstore"
	configFileName = "config"

	stopTimeout = 30 * time.Second
)

var rootCmd = &cobra.Command{
	Use:     "dualstored",
	Short:   "Dualstore sync daemon",
	Version: version.Detailed(),
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(cmd)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir := viper.GetString("data_dir")
		couchURL := viper.GetString("couch_url")
		couchDB := viper.GetString("couch_db")
		consistency := mutation.Consistency(viper.GetString("consistency"))

		if couchURL == "" {
			return errors.New("a CouchDB server URL is required (--couch or DUALSTORE_COUCH_URL)")
		}

		cmd.SilenceUsage = true

		local := diskstore.New(datastore.StoreLocal, dataDir)
		cloud := couchstore.New(datastore.StoreCloud, couchstore.Config{
			URL:      couchURL,
			Database: couchDB,
		})

		engine, err := sync.New(sync.Config{
			Local:       local,
			Cloud:       cloud,
			IndexPath:   filepath.Join(dataDir, "index.db"),
			Consistency: consistency,
		})
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		slog.Info("starting", "version", version.ShortWithApp(), "data_dir", dataDir, "couch", couchURL)
		if err := engine.Start(ctx); err != nil {
			return fmt.Errorf("start engine: %w", err)
		}

		<-ctx.Done()

		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		defer slog.Info("Bye!")
		return engine.Stop(stopCtx)
	},
}

func init() {
	rootCmd.Flags().SortFlags = false
	rootCmd.Flags().StringP("datadir", "d", defaultDataDir, "Local data directory")
	rootCmd.Flags().StringP("couch", "u", "", "CouchDB server URL")
	rootCmd.Flags().StringP("database", "b", defaultCouchDB, "CouchDB database name")
	rootCmd.Flags().String("consistency", string(mutation.ConsistencyWritten), "Write completion level: written or committed")
	rootCmd.PersistentFlags().StringP("config", "c", "", "Config file path")
}

func main() {
	logFile := filepath.Join(home, ".dualstore", "logs", "dualstored.log")
	if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create log directory: %v\n", err)
		os.Exit(1)
	}
	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
		os.Exit(1)
	}
	defer file.Close()

	stdoutHandler := tint.NewHandler(os.Stdout, &tint.Options{
		Level:      slog.LevelDebug,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
	})
	fileHandler := slog.NewTextHandler(file, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})
	slog.SetDefault(slog.New(utils.NewMultiLogHandler(stdoutHandler, fileHandler)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) error {
	if cmd.Flag("config").Changed {
		configFilePath, _ := cmd.Flags().GetString("config")
		viper.SetConfigFile(configFilePath)
	} else {
		viper.AddConfigPath(filepath.Join(home, ".dualstore"))
		viper.AddConfigPath(filepath.Join(home, ".config/dualstore"))
		viper.SetConfigName(configFileName)
		viper.SetConfigType("json")
	}

	if err := viper.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		_, ok := err.(viper.ConfigFileNotFoundError)
		if !enoent && !ok {
			return fmt.Errorf("config read '%s': %w", viper.ConfigFileUsed(), err)
		}
	}

	viper.BindPFlag("data_dir", cmd.Flags().Lookup("datadir"))
	viper.BindPFlag("couch_url", cmd.Flags().Lookup("couch"))
	viper.BindPFlag("couch_db", cmd.Flags().Lookup("database"))
	viper.BindPFlag("consistency", cmd.Flags().Lookup("consistency"))

	viper.SetEnvPrefix("DUALSTORE")
	viper.AutomaticEnv()

	return nil
}
