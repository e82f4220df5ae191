// Command pipelinectl inspects and operates the photo pipeline: bucket
// inventory, local/remote diffs, ledger and aggregate queries.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmoiron/sqlx"

	"photo_pipeline/internal/broker"
	"photo_pipeline/internal/config"
	"photo_pipeline/internal/source/s3"
	"photo_pipeline/internal/storage/postgres"
)

type command struct {
	name  string
	usage string
	run   func(ctx context.Context, a *app, args []string) error
}

var commands = []command{
	{"inventory", "per-prefix object counts and sizes of the bucket", runInventory},
	{"diff", "compare a local directory with the bucket", runDiff},
	{"sync", "run one ingestion pass", runSync},
	{"tasks", "list ledger tasks", runTasks},
	{"enqueue", "queue enrichment of one photo", runEnqueue},
	{"requeue", "republish tasks still queued", runRequeue},
	{"places", "query place summaries", runPlaces},
	{"aggregate", "recompute aggregates once", runAggregate},
	{"quarantine", "list quarantined inputs", runQuarantine},
}

// app holds what the subcommands share. Connections are opened on demand so
// that commands touching only the bucket run without a database.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *sqlx.DB
	pub    *broker.Publisher
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}

	name, args := flag.Arg(0), flag.Args()[1:]
	var cmd *command
	for i := range commands {
		if commands[i].name == name {
			cmd = &commands[i]
		}
	}
	if cmd == nil {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", name)
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := &app{cfg: cfg, logger: setupLogger(cfg.LogLevel)}
	defer a.close()

	if err := cmd.run(ctx, a, args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
		a.close()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: pipelinectl [-config path] <command> [flags]\n\ncommands:\n")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-11s %s\n", c.name, c.usage)
	}
}

func (a *app) database(ctx context.Context) (*sqlx.DB, error) {
	if a.db == nil {
		db, err := postgres.Connect(ctx, a.cfg.Database.DSN(), a.cfg.Database.Migrate)
		if err != nil {
			return nil, err
		}
		a.db = db
	}
	return a.db, nil
}

func (a *app) lister(ctx context.Context) (*s3.Lister, error) {
	client, err := s3.NewClient(ctx, s3.Config{
		Endpoint:       a.cfg.Storage.Endpoint,
		Region:         a.cfg.Storage.Region,
		AccessKey:      a.cfg.Storage.AccessKey,
		SecretKey:      a.cfg.Storage.SecretKey,
		ForcePathStyle: a.cfg.Storage.ForcePathStyle,
	})
	if err != nil {
		return nil, err
	}
	return s3.NewLister(client, a.cfg.Storage.PageSize, a.logger), nil
}

func (a *app) publisher() (*broker.Publisher, error) {
	if a.pub == nil {
		pub, err := broker.NewPublisher(broker.Config{
			URL:        a.cfg.RabbitMQ.URL,
			Exchange:   a.cfg.RabbitMQ.Exchange,
			RoutingKey: a.cfg.RabbitMQ.RoutingKey,
			QueueName:  a.cfg.RabbitMQ.QueueName,
		}, a.logger)
		if err != nil {
			return nil, err
		}
		a.pub = pub
	}
	return a.pub, nil
}

func (a *app) close() {
	if a.pub != nil {
		a.pub.Close()
		a.pub = nil
	}
	if a.db != nil {
		a.db.Close()
		a.db = nil
	}
}

// setupLogger writes text logs to stderr so that reports on stdout stay
// readable.
func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelWarn
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}
