package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"

	"github.com/matematik7/runkeeper-oh/tasks"
	"github.com/matematik7/runkeeper-oh/web"
)

const shutdownTimeout = 10 * time.Second

func main() {
	a := &app{}

	cmd := &cli.Command{
		Name:  "runkeeper-oh",
		Usage: "Copy Runkeeper activity history into Open Humans, one file per year",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to config file (optional)",
				Sources:     cli.EnvVars("CONFIG"),
				Destination: &a.configPath,
			},
		},
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			return ctx, a.setup()
		},
		After: func(ctx context.Context, c *cli.Command) error {
			return a.close()
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP trigger, the task queue and the periodic stale scan",
				Action: a.serve,
			},
			{
				Name:   "update-data",
				Usage:  "Synchronize every member not updated recently and wait",
				Action: a.updateData,
			},
			{
				Name:      "sync",
				Usage:     "Synchronize one member in the foreground",
				ArgsUsage: "<oh-id>",
				Action:    a.syncOne,
			},
			{
				Name:  "import-users",
				Usage: "Import members from a legacy CSV export and synchronize them",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "infile",
						Usage:    "CSV with oh_id, oh_refresh_token, runkeeper_access_token",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "delimiter",
						Usage: "CSV delimiter",
						Value: ",",
					},
				},
				Action: a.importUsers,
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cmd.Run(ctx, os.Args)
	stop()
	if err != nil {
		report(a.log, err)
		os.Exit(1)
	}
}

// report logs a failed command, on stderr when setup did not get as far as
// the logger.
func report(log *logrus.Logger, err error) {
	if log == nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}
	log.WithError(err).Error("command failed")
}

func (a *app) serve(ctx context.Context, c *cli.Command) error {
	a.queue.Start(ctx)
	defer a.queue.Close()

	scheduler := tasks.NewScheduler(a.cfg.Tasks, a.members, a.queue, a.log)
	go scheduler.Run(ctx)

	handler := web.New(a.sync, a.members, a.queue, a.cfg.Tasks.SubmitInterval, a.log)
	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", a.cfg.Host, a.cfg.Port),
		Handler: handler.ServeMux(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			a.log.WithError(err).Warn("could not shut down server")
		}
	}()

	a.log.WithField("addr", server.Addr).Info("listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "could not serve")
	}
	return nil
}

func (a *app) updateData(ctx context.Context, c *cli.Command) error {
	links, err := a.members.Linked(ctx)
	if err != nil {
		return err
	}

	// Every stale member must fit, nothing is retried until the next run.
	cfg := a.cfg.Tasks
	cfg.QueueDepth = max(cfg.QueueDepth, len(links))
	queue := tasks.NewQueue(cfg, a.sync, a.log)
	queue.Start(ctx)
	defer queue.Close()

	scheduler := tasks.NewScheduler(cfg, a.members, queue, a.log)
	_, err = scheduler.ScanOnce(ctx)
	return err
}

func (a *app) syncOne(ctx context.Context, c *cli.Command) error {
	ohID := c.Args().First()
	if ohID == "" {
		return errors.New("missing oh-id argument")
	}
	return a.sync.Synchronize(ctx, ohID)
}

func (a *app) importUsers(ctx context.Context, c *cli.Command) error {
	delimiter, size := utf8.DecodeRuneInString(c.String("delimiter"))
	if size == 0 || size != len(c.String("delimiter")) {
		return errors.Errorf("delimiter must be a single character, got %q", c.String("delimiter"))
	}

	f, err := os.Open(c.String("infile"))
	if err != nil {
		return errors.Wrap(err, "could not open infile")
	}
	defer f.Close()

	a.queue.Start(ctx)
	defer a.queue.Close()

	importer := tasks.NewImporter(a.members, a.runkeeper, a.queue, a.log)
	n, err := importer.Import(ctx, f, delimiter)
	a.log.WithFields(logrus.Fields{
		"infile":   c.String("infile"),
		"imported": n,
	}).Info("import done")
	return err
}
