package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"

	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"

	"github.com/alanbriolat/course-archiver"
	"github.com/alanbriolat/course-archiver/async"
	"github.com/alanbriolat/course-archiver/config"
	"github.com/alanbriolat/course-archiver/internal/browser"
	"github.com/alanbriolat/course-archiver/internal/layout"
	"github.com/alanbriolat/course-archiver/internal/manifest"
	"github.com/alanbriolat/course-archiver/internal/pipeline"
	"github.com/alanbriolat/course-archiver/internal/scheduler"
	"github.com/alanbriolat/course-archiver/platform"
	_ "github.com/alanbriolat/course-archiver/providers"
)

func main() {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	logger, err := newLogger(level, false)
	if err != nil {
		log.Fatalf("can't initialize zap logger: %v", err)
	}
	defer func() { _ = zap.L().Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	exitCode := 0
	app := &cli.App{
		Name:  "course-archiver",
		Usage: "download every lesson of a course you are enrolled in",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "load configuration from `FILE`",
				EnvVars: []string{config.EnvVarPrefix + "_CONFIG_FILE"},
			},
			&cli.StringFlag{Name: "base-url", Usage: "the platform deployment, e.g. https://school.example.com"},
			&cli.StringFlag{Name: "username"},
			&cli.StringFlag{Name: "password", Usage: "prompted for if not set anywhere"},
			&cli.StringFlag{Name: "root", Usage: "save downloads under `DIR`"},
			&cli.StringFlag{Name: "manifest", Usage: "keep the manifest in `FILE`"},
			&cli.IntFlag{Name: "concurrency", Usage: "download `N` items at a time"},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}},
			&cli.BoolFlag{Name: "log-json", Usage: "log JSON lines instead of coloured text"},
		},
		Before: func(c *cli.Context) error {
			if c.Bool("verbose") {
				level.SetLevel(zap.DebugLevel)
			}
			if c.Bool("log-json") {
				jsonLogger, err := newLogger(level, true)
				if err != nil {
					return err
				}
				logger = jsonLogger
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "courses",
				Usage: "list the courses you are enrolled in",
				Action: func(c *cli.Context) error {
					cfg, err := loadConfig(c, false)
					if err != nil {
						return err
					}
					loader, err := login(ctx, cfg)
					if err != nil {
						return err
					}
					courses, err := loader.ListCourses(ctx)
					if err != nil {
						return err
					}
					for i, course := range courses {
						fmt.Printf("%3d  %-40s  %s\n", i+1, course.ID, course.Title)
					}
					return nil
				},
			},
			{
				Name:      "download",
				Usage:     "download a course",
				ArgsUsage: "<course id | course URL | index>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "no-resume", Usage: "start partial downloads over"},
					&cli.BoolFlag{Name: "ascii", Usage: "use lower-case ASCII file names"},
				},
				Action: func(c *cli.Context) error {
					cfg, err := loadConfig(c, true)
					if err != nil {
						return err
					}
					summary, err := download(ctx, cfg, c.Bool("no-resume"))
					if summary != nil {
						summary.Print(os.Stdout)
						exitCode = summary.ExitCode()
					}
					if errors.Is(err, context.Canceled) {
						return nil
					}
					return err
				},
			},
			{
				Name:      "manifest",
				Usage:     "export the manifest as JSON",
				ArgsUsage: "[course id]",
				Action: func(c *cli.Context) error {
					cfg, err := loadConfig(c, false)
					if err != nil {
						return err
					}
					store, err := manifest.Open(cfg.ManifestPath())
					if err != nil {
						return err
					}
					defer store.Close()
					return store.Export(os.Stdout, c.Args().First())
				},
			},
		},
		HideHelpCommand: true,
	}

	result := async.Run(func() error { return app.Run(os.Args) })

	select {
	case err = <-result:
	case <-ctx.Done():
		stop()
		err = <-result
	}
	if err != nil {
		logger.Fatal(err.Error())
	}
	if exitCode != 0 {
		_ = logger.Sync()
		os.Exit(exitCode)
	}
}

func newLogger(level zap.AtomicLevel, json bool) (*zap.Logger, error) {
	logConfig := zap.NewDevelopmentConfig()
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	if json {
		logConfig = zap.NewProductionConfig()
	}
	logConfig.Level = level
	logger, err := logConfig.Build()
	if err != nil {
		return nil, err
	}
	zap.RedirectStdLog(logger)
	zap.ReplaceGlobals(logger)
	return logger, nil
}

// loadConfig layers command-line flags over the config file and environment. The manifest command needs no login,
// so only download and courses are validated.
func loadConfig(c *cli.Context, forDownload bool) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if c.IsSet("base-url") {
		cfg.BaseURL = c.String("base-url")
	}
	if c.IsSet("username") {
		cfg.Username = c.String("username")
	}
	if c.IsSet("password") {
		cfg.Password = c.String("password")
	}
	if c.IsSet("root") {
		cfg.Root = c.String("root")
	}
	if c.IsSet("manifest") {
		cfg.Manifest = c.String("manifest")
	}
	if c.IsSet("concurrency") {
		cfg.Concurrency = c.Int("concurrency")
	}
	if c.Command.Name == "manifest" {
		return cfg, nil
	}
	if c.Bool("ascii") {
		cfg.ASCIIPaths = true
	}
	if forDownload && c.Args().Present() {
		cfg.Course = c.Args().First()
	}
	if cfg.Password == "" && cfg.Username != "" && term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprintf(os.Stderr, "Password for %s: ", cfg.Username)
		password, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, err
		}
		cfg.Password = strings.TrimSpace(string(password))
	}
	if err := cfg.Validate(forDownload); err != nil {
		return nil, err
	}
	return cfg, nil
}

func login(ctx context.Context, cfg *config.Config) (platform.Loader, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = cfg.RequestTimeout
	manager := platform.NewManager(platform.Options{
		Endpoints:   cfg.Endpoints,
		Transport:   transport,
		UserAgent:   cfg.UserAgent,
		Cookies:     browser.New(cfg.BrowserOptions()),
		Concurrency: cfg.TreeConcurrency,
	})
	session, err := manager.Authenticate(ctx, cfg.BaseURL, cfg.Username, cfg.Password)
	if err != nil {
		return platform.Loader{}, err
	}
	zap.S().Infof("Logged in to %s as %s", session.BaseURL(), session.MemberName())
	return platform.Loader{Extractor: platform.NewExtractor(cfg.TreeConcurrency), Session: session}, nil
}

func download(ctx context.Context, cfg *config.Config, noResume bool) (*pipeline.Summary, error) {
	ctx = course_archiver.WithLogger(ctx, zap.L())
	logger := zap.S()

	store, err := manifest.Open(cfg.ManifestPath())
	if err != nil {
		return nil, err
	}
	defer store.Close()
	if _, err := store.Reconcile(); err != nil {
		return nil, err
	}

	loader, err := login(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var bar *progressbar.ProgressBar
	p := pipeline.New(loader.Session, loader, store, pipeline.Options{
		Organizer: layout.New(cfg.LayoutOptions()),
		Scheduler: scheduler.Options{
			Concurrency: cfg.Concurrency,
			Retry:       cfg.RetryPolicy(),
			NoResume:    noResume,
		},
		OnStart: func(course *course_archiver.Course, tasks []*scheduler.Task) {
			logger.Infof("Downloading %q (%d items) into %s", course.Title, len(tasks), cfg.Root)
			bar = progressbar.NewOptions(len(tasks),
				progressbar.OptionSetWriter(os.Stderr),
				progressbar.OptionSetDescription(course.Title),
				progressbar.OptionShowCount(),
				progressbar.OptionClearOnFinish(),
			)
		},
		OnResult: func(r scheduler.Result) {
			if bar != nil {
				_ = bar.Add(1)
			}
		},
	})
	summary, err := p.Run(ctx, cfg.Course)
	if bar != nil {
		_ = bar.Finish()
	}
	if errors.Is(err, context.Canceled) {
		logger.Info("Exiting gracefully...")
	}
	return summary, err
}
