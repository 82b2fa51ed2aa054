package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/always-cache/fetchcache"
	"github.com/always-cache/fetchcache/cache"
	"github.com/always-cache/fetchcache/config"
	httpfetcher "github.com/always-cache/fetchcache/pkg/http-fetcher"
	"github.com/always-cache/fetchcache/server"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// this is set by goreleaser
var version string

type flags struct {
	configFilename string
	origin         string
	host           string
	listen         string
	dbFilename     string
	verbosityTrace bool
	logFilename    string
}

func main() {
	if version == "" {
		version = "DEV"
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("Exiting")
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "fetchcache",
		Short:         "Stale-while-revalidate cache in front of a JSON backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "fetchcache version %s\n", version)
		},
	}
}

func newServeCmd() *cobra.Command {
	f := flags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the cache over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := setupLogging(f); err != nil {
				return err
			}
			conf, err := loadConfig(f)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), conf)
		},
	}
	cmd.Flags().StringVar(&f.configFilename, "config", "", "Path to config file")
	cmd.Flags().StringVar(&f.origin, "origin", "", "Origin URL of the JSON backend (overrides config)")
	cmd.Flags().StringVar(&f.host, "host", "", "Hostname of origin (overrides config)")
	cmd.Flags().StringVar(&f.listen, "listen", "", "Address to listen on (overrides config)")
	cmd.Flags().StringVar(&f.dbFilename, "db", "", "Cache DB file name (use 'memory' for in-memory db)")
	cmd.Flags().BoolVar(&f.verbosityTrace, "vv", false, "Verbosity: trace logging")
	cmd.Flags().StringVar(&f.logFilename, "log-file", "", "Log file to use (in addition to stdout)")
	return cmd
}

func setupLogging(f flags) error {
	// set log level
	logLevel := zerolog.DebugLevel
	if f.verbosityTrace {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if f.logFilename != "" {
		logFileOutput, err := os.OpenFile(f.logFilename, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
		if err != nil {
			return fmt.Errorf("cannot open log file: %w", err)
		}
		logOutputs = append(logOutputs, logFileOutput)
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Timestamp().Str("version", version).Logger()
	return nil
}

// loadConfig reads the config file if given and applies the flags on top.
func loadConfig(f flags) (config.Config, error) {
	conf := config.Default()
	if f.configFilename != "" {
		var err error
		if conf, err = config.Load(f.configFilename); err != nil {
			return conf, err
		}
	}
	if f.origin != "" {
		conf.Origin = f.origin
	}
	if f.host != "" {
		conf.Host = f.host
	}
	if f.listen != "" {
		conf.Listen = f.listen
	}
	if f.dbFilename != "" {
		conf.DB = f.dbFilename
	}
	if conf.Listen == "" {
		conf.Listen = config.DefaultListen
	}
	return conf, conf.Validate()
}

func serve(ctx context.Context, conf config.Config) error {
	originURL, err := url.Parse(conf.Origin)
	if err != nil {
		return fmt.Errorf("could not parse origin url: %w", err)
	}

	storeConfig := cache.Config{
		MaxEntries:    conf.MaxEntries,
		SweepInterval: conf.SweepInterval,
		Grace:         conf.Grace,
		Logger:        &log.Logger,
	}
	if conf.DB != "" {
		provider, err := cache.NewSQLiteProvider(conf.DB)
		if err != nil {
			return err
		}
		defer provider.Close()
		storeConfig.Provider = provider
	}
	store := cache.NewStore(storeConfig)
	if n, err := store.Load(); err != nil {
		log.Warn().Err(err).Msg("Could not warm cache from db")
	} else {
		log.Info().Int("entries", n).Msg("Warmed cache from db")
	}

	client := fetchcache.New(fetchcache.Config{
		Store:  store,
		Logger: &log.Logger,
	})
	defer client.Close()

	srv := server.New(server.Config{
		Client: client,
		Fetcher: httpfetcher.New(httpfetcher.Config{
			OriginURL:  *originURL,
			OriginHost: conf.Host,
			Logger:     &log.Logger,
		}),
		OriginURL: *originURL,
		Defaults:  conf.Defaults,
		Rules:     conf.Rules,
		Logger:    &log.Logger,
	})
	httpServer := &http.Server{
		Addr:              conf.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		store.Run(ctx)
		return nil
	})
	g.Go(func() error {
		log.Info().Msgf("Serving %s on %s (with hostname '%s')", originURL.String(), conf.Listen, conf.Host)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
