package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/alanbriolat/movie-archiver"
	"github.com/alanbriolat/movie-archiver/async"
	"github.com/alanbriolat/movie-archiver/crawl"
	"github.com/alanbriolat/movie-archiver/database"
	"github.com/alanbriolat/movie-archiver/extract"
	"github.com/alanbriolat/movie-archiver/pipeline"
	"github.com/alanbriolat/movie-archiver/resolve"
)

func main() {
	logConfig := zap.NewDevelopmentConfig()
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logConfig.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	logger, err := logConfig.Build()
	if err != nil {
		log.Fatalf("can't initialize zap logger: %v", err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)
	zap.RedirectStdLog(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = movie_archiver.WithLogger(ctx, logger)

	app := &cli.App{
		Name:      "movie-archiver",
		Usage:     "collect movie links, extract their details and download the media",
		ArgsUsage: "STAGE (1 = links, 2 = details, 3 = downloads, all)",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "load configuration from `FILE`",
			},
			&cli.StringFlag{
				Name:  "database",
				Usage: "override database path",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable debug logging",
			},
		},
		Action: func(c *cli.Context) error {
			if c.Bool("debug") {
				logConfig.Level.SetLevel(zap.DebugLevel)
			}
			if c.NArg() != 1 {
				return cli.Exit("expected exactly one STAGE argument", 2)
			}
			stage, err := pipeline.ParseStage(c.Args().First())
			if err != nil {
				return cli.Exit(err.Error(), 2)
			}
			config, err := movie_archiver.LoadConfig(c.String("config"))
			if err != nil {
				return err
			}
			if c.IsSet("database") {
				config.DatabasePath = c.String("database")
			}
			return run(ctx, config, stage)
		},
		HideHelpCommand: true,
	}

	result := async.Run(func() error { return app.Run(os.Args) })

	select {
	case err = <-result:
		if err != nil {
			logger.Fatal(err.Error())
		}
	case <-ctx.Done():
		logger.Error(ctx.Err().Error())
		stop()
		// Give the running stage a moment to stop between items and release its browser.
		select {
		case <-result:
		case <-time.After(10 * time.Second):
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, config *movie_archiver.Config, stage pipeline.Stage) error {
	logger := movie_archiver.Logger(ctx)
	log := logger.Sugar()

	db, err := database.Open(config.DatabasePath, logger)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	identities := movie_archiver.NewIdentityPool(config.UserAgents)
	p := pipeline.New(config, db,
		pipeline.WithLogger(logger),
		pipeline.WithIdentities(identities),
		pipeline.WithResolver(resolve.New(config.DNSServers, config.DNSTimeout, logger)),
		pipeline.WithCollectorFactory(func(targetIP string) (pipeline.LinkCollector, error) {
			fetcher, err := crawl.NewChromeFetcher(config, targetIP, identities, logger)
			if err != nil {
				return nil, err
			}
			return crawl.NewCollector(fetcher, config.ListingURL, logger), nil
		}),
		pipeline.WithExtractorFactory(func(targetIP string) (pipeline.DetailExtractor, error) {
			return extract.New(config, targetIP, identities, logger)
		}),
		pipeline.WithDownloader(movie_archiver.NewDownloaderBuilder().
			WithChunkSize(config.ChunkSize).
			WithTimeout(config.HTTPTimeout).
			Build()),
		pipeline.WithProgress(func(label string) (movie_archiver.ProgressFunc, func()) {
			bar, done := movie_archiver.ProgressBar(label)
			return movie_archiver.MultiProgress(bar, movie_archiver.LogProgress(logger.Named("download"), label, 5*time.Second)), done
		}),
	)

	reports, err := p.Run(ctx, stage)
	for _, report := range reports {
		log.Infof("stage %v (%v): %d succeeded, %d failed", report.Stage.Name(), report.RunID, report.Succeeded, report.Failed)
		if report.Failed > 0 {
			log.Warnf("stage %v failures:\n%v", report.Stage.Name(), report.Err())
		}
	}
	if stats, statsErr := db.Stats(); statsErr != nil {
		log.Warnf("failed to read database stats: %v", statsErr)
	} else {
		log.Infof("database: %d links (%d processed), %d details (%d with media URL), %d downloaded",
			stats.Links, stats.ProcessedLinks, stats.Details, stats.WithMediaURL, stats.DownloadedFiles)
	}
	return err
}
