package main

import (
	"fmt"
	"io"
	"log/slog"
	_ "net/http/pprof"
	"os"
	"runtime"
	"strings"

	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	cli "github.com/urfave/cli/v2"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(-1)
	}
}

func run(args []string) error {

	app := cli.App{
		Name:    "rankd",
		Usage:   "user reputation and ranking service",
		Version: versioninfo.Short(),
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "database connection string: sqlite://<path> or postgres://<user>:<pass>@<host>:5432/<db>",
			Value:   "sqlite://data/rankd/rankd.sqlite",
			EnvVars: []string{"RANKD_DATABASE_URL", "DATABASE_URL"},
		},
		&cli.IntFlag{
			Name:    "db-max-conns",
			Usage:   "maximum number of database connections (postgres only)",
			Value:   40,
			EnvVars: []string{"RANKD_DB_MAX_CONNS"},
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "redis connection URL for counters and settings; empty for in-process stores",
			EnvVars: []string{"RANKD_REDIS_URL"},
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log verbosity level (eg: warn, info, debug)",
			EnvVars: []string{"RANKD_LOG_LEVEL", "GO_LOG_LEVEL", "LOG_LEVEL"},
		},
	}

	app.Commands = []*cli.Command{
		serveCmd,
	}

	return app.Run(args)
}

func configLogger(cctx *cli.Context, writer io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cctx.String("log-level")) {
	case "error":
		level = slog.LevelError
	case "warn":
		level = slog.LevelWarn
	case "info":
		level = slog.LevelInfo
	case "debug":
		level = slog.LevelDebug
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(writer, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	return logger
}

var serveCmd = &cli.Command{
	Name:  "serve",
	Usage: "run the rankd API daemon",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "bind",
			Usage:   "Specify the local IP/port to bind to",
			Value:   ":6610",
			EnvVars: []string{"RANKD_BIND"},
		},
		&cli.StringFlag{
			Name:    "metrics-listen",
			Usage:   "IP or address, and port, to listen on for metrics APIs",
			Value:   ":3990",
			EnvVars: []string{"RANKD_METRICS_LISTEN"},
		},
		&cli.StringFlag{
			Name:     "admin-password",
			Usage:    "bearer token for the /admin API group",
			Required: true,
			EnvVars:  []string{"RANKD_ADMIN_PASSWORD"},
		},
	},
	Action: func(cctx *cli.Context) error {
		logger := configLogger(cctx, os.Stdout)

		srv, err := NewServer(
			Config{
				Logger:        logger,
				DatabaseURL:   cctx.String("database-url"),
				DBMaxConns:    cctx.Int("db-max-conns"),
				RedisURL:      cctx.String("redis-url"),
				Bind:          cctx.String("bind"),
				AdminPassword: cctx.String("admin-password"),
			},
		)
		if err != nil {
			return fmt.Errorf("failed to construct server: %w", err)
		}

		// prometheus HTTP endpoint: /metrics
		go func() {
			runtime.SetBlockProfileRate(10)
			runtime.SetMutexProfileFraction(10)
			if err := srv.RunMetrics(cctx.String("metrics-listen")); err != nil {
				slog.Error("failed to start metrics endpoint", "error", err)
				panic(fmt.Errorf("failed to start metrics endpoint: %w", err))
			}
		}()

		return srv.RunAPI()
	},
}
