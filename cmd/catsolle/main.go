// Command catsolle wires the Credential Vault, Connection
// Catalog, Known-Hosts Store, Session Manager, and Transfer Queue into
// one running process and demonstrates their lifecycle: open the
// catalog and vault, run the transfer worker, and on signal close the
// queue and disconnect any live sessions. It does not connect a
// session itself. It is a composition root,
// not a terminal UI or CLI — argument parsing and an interactive shell
// live outside this engine's scope.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/Ducheved/catsolle/internal/catalog"
	"github.com/Ducheved/catsolle/internal/config"
	"github.com/Ducheved/catsolle/internal/events"
	"github.com/Ducheved/catsolle/internal/session"
	"github.com/Ducheved/catsolle/internal/transfer"
	"github.com/Ducheved/catsolle/internal/vault"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	paths, err := config.NewAppPaths()
	if err != nil {
		return fmt.Errorf("resolve app paths: %w", err)
	}
	if err := paths.EnsureDirs(); err != nil {
		return fmt.Errorf("create app directories: %w", err)
	}

	cfg, err := config.Load(paths.ConfigFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogging(cfg.Logging)

	log := logrus.WithField("component", "main")
	log.WithField("data_dir", paths.DataDir).Info("starting catsolle engine")

	store, err := catalog.Open(paths.DBFile)
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	defer store.Close()

	secretVault := vault.New("catsolle", paths.SecretsFile, cfg.Keychain.UseEncryptedFileFallback)
	bus := events.NewBus(256)
	sessions := session.NewManager(store, secretVault, bus, cfg)
	queue := transfer.NewQueue(cfg.Transfer.QueueCapacity, cfg.Transfer.BandwidthLimit, bus, sessions)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logSub := bus.Subscribe()
	go logEvents(logSub)

	go queue.Run(ctx)

	log.Info("catsolle engine ready")
	<-ctx.Done()

	log.Info("shutting down")
	drainSessions(sessions, queue, log)
	logSub.Unsubscribe()

	log.Info("catsolle engine stopped")
	return nil
}

// logEvents forwards every bus event to the structured logger, giving
// the composition root a visible record of session/transfer lifecycle
// without any collaborator needing a direct logging dependency on it.
func logEvents(sub *events.Subscription) {
	log := logrus.WithField("component", "events")
	for ev := range sub.Events() {
		switch ev.Kind {
		case events.KindSessionStateChanged:
			log.WithFields(logrus.Fields{
				"session_id": ev.SessionID,
				"state":      ev.State,
				"reason":     ev.Reason,
			}).Info("session state changed")
		case events.KindTransferProgress:
			log.WithFields(logrus.Fields{
				"job_id":            ev.JobID,
				"bytes_transferred": ev.Progress.BytesTransferred,
				"bytes_total":       ev.Progress.BytesTotal,
			}).Debug("transfer progress")
		case events.KindNotification:
			log.WithField("level", ev.Level).Info(ev.Message)
		}
	}
}

// drainSessions closes the transfer queue to new work and disconnects
// every live session so the process never holds an orphaned ssh.Client
// past process exit.
func drainSessions(sessions *session.Manager, queue *transfer.Queue, log *logrus.Entry) {
	queue.Close()
	for _, handle := range sessions.ListSessions() {
		if err := sessions.Disconnect(handle.ID); err != nil {
			log.WithError(err).WithField("session_id", handle.ID).Warn("error disconnecting session during shutdown")
		}
	}
}

func setupLogging(cfg config.LoggingConfig) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	if cfg.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if !cfg.Stdout {
		logrus.SetOutput(os.Stderr)
	}
}
