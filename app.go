package main

import (
	"os"

	"github.com/evalphobia/logrus_sentry"
	"github.com/jinzhu/gorm"
	_ "github.com/jinzhu/gorm/dialects/postgres"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/matematik7/runkeeper-oh/config"
	"github.com/matematik7/runkeeper-oh/members"
	"github.com/matematik7/runkeeper-oh/openhumans"
	"github.com/matematik7/runkeeper-oh/runkeeper"
	"github.com/matematik7/runkeeper-oh/s3store"
	"github.com/matematik7/runkeeper-oh/tasks"
	"github.com/matematik7/runkeeper-oh/uploader"
)

type app struct {
	configPath string

	cfg       config.Config
	log       *logrus.Logger
	db        *gorm.DB
	members   *members.Service
	runkeeper *runkeeper.Client
	sync      *uploader.Synchronizer
	queue     *tasks.Queue
}

func newLogger(cfg config.Config) (*logrus.Logger, error) {
	log := logrus.New()
	log.SetOutput(os.Stderr)

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, errors.Wrap(err, "could not parse log level")
	}
	log.SetLevel(level)

	if cfg.LogFormat == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if cfg.SentryDSN != "" {
		hook, err := logrus_sentry.NewSentryHook(cfg.SentryDSN, []logrus.Level{
			logrus.PanicLevel,
			logrus.FatalLevel,
			logrus.ErrorLevel,
		})
		if err != nil {
			return nil, errors.Wrap(err, "could not create sentry hook")
		}
		log.Hooks.Add(hook)
	}

	return log, nil
}

func (a *app) setup() error {
	cfg, err := config.Load(config.New(), a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg

	a.log, err = newLogger(cfg)
	if err != nil {
		return err
	}

	a.db, err = gorm.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "could not open db")
	}

	a.runkeeper = runkeeper.New(cfg.Runkeeper, a.log)

	var (
		destination uploader.Destination
		refresher   members.TokenRefresher
	)
	switch cfg.Destination {
	case config.DestinationS3:
		store, err := s3store.New(cfg.S3, a.log)
		if err != nil {
			return err
		}
		destination = store
	default:
		client := openhumans.New(cfg.OpenHumans, a.log)
		destination = client
		refresher = client
	}

	a.members = members.New(a.db, refresher, a.log)
	if err := a.members.Migrate(); err != nil {
		return err
	}

	a.sync = uploader.New(cfg, a.members, a.runkeeper, destination, a.log)
	a.queue = tasks.NewQueue(cfg.Tasks, a.sync, a.log)

	a.log.WithField("destination", cfg.Destination).Debug("configured")
	return nil
}

func (a *app) close() error {
	if a.db == nil {
		return nil
	}
	if err := a.db.Close(); err != nil {
		return errors.Wrap(err, "could not close db")
	}
	return nil
}
