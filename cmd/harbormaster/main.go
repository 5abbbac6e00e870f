package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/harbormaster-io/harbormaster/internal/audit"
	"github.com/harbormaster-io/harbormaster/internal/auth"
	"github.com/harbormaster-io/harbormaster/internal/breaker"
	"github.com/harbormaster-io/harbormaster/internal/config"
	"github.com/harbormaster-io/harbormaster/internal/events"
	"github.com/harbormaster-io/harbormaster/internal/hosts"
	"github.com/harbormaster-io/harbormaster/internal/logging"
	"github.com/harbormaster-io/harbormaster/internal/metrics"
	"github.com/harbormaster-io/harbormaster/internal/notify"
	"github.com/harbormaster-io/harbormaster/internal/pool"
	"github.com/harbormaster-io/harbormaster/internal/store"
	"github.com/harbormaster-io/harbormaster/internal/streams"
	"github.com/harbormaster-io/harbormaster/internal/tasks"
	"github.com/harbormaster-io/harbormaster/internal/vault"
	"github.com/harbormaster-io/harbormaster/internal/web"
	"github.com/harbormaster-io/harbormaster/internal/wizard"
)

var version = "dev"

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Error("failed to open database", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	v, err := vault.New(cfg.VaultKeyBytes(), db)
	if err != nil {
		log.Error("failed to open credential vault", "error", err)
		os.Exit(1)
	}

	authSvc := auth.NewService(auth.ServiceConfig{
		Users:      db,
		Refresh:    db,
		HostPerms:  db,
		Log:        log.Logger,
		JWTSecret:  []byte(cfg.JWTSecret),
		AccessTTL:  cfg.AccessTokenTTL,
		RefreshTTL: cfg.RefreshTokenTTL,
	})
	if cfg.PolicyFile != "" {
		if err := auth.LoadPolicyFile(cfg.PolicyFile); err != nil {
			log.Error("failed to load policy file", "path", cfg.PolicyFile, "error", err)
			os.Exit(1)
		}
		log.Info("policy file loaded", "path", cfg.PolicyFile)
	}
	created, err := authSvc.Bootstrap(cfg.BootstrapUser, cfg.BootstrapPassword)
	if err != nil {
		log.Error("bootstrap failed", "error", err)
		os.Exit(1)
	}
	if created {
		log.Warn("bootstrap admin created, change the password immediately",
			"username", cfg.BootstrapUser)
	}

	bus := events.New()
	hostReg := hosts.New(db, v, db, bus, log.Logger)
	pm := pool.New(hostReg, v, bus, log.Logger,
		pool.WithProbeInterval(cfg.ProbeInterval),
		pool.WithBreakerOptions(
			breaker.WithThreshold(cfg.BreakerThreshold),
			breaker.WithCooldown(cfg.BreakerCooldown),
		),
	)
	go pm.Run(ctx)
	go dropDeletedHosts(ctx, bus, pm)

	selfPolicy := streams.SelfPolicy{
		Enabled: cfg.FilterSelf,
		Label:   cfg.SelfLabel,
		Name:    cfg.SelfContainerName,
	}
	streamReg := streams.New(newOpener(pm, selfPolicy), log.Logger,
		streams.WithRingSize(cfg.StreamRingSize),
		streams.WithQueueSize(cfg.SubscriberQueue),
		streams.WithLinger(cfg.StreamLinger),
	)
	recorder := audit.NewRecorder(db, cfg.AuditRetention, log.Logger,
		audit.WithQueueSize(cfg.AuditQueueSize),
		audit.WithSweepSchedule(cfg.AuditSweepCron),
	)
	taskReg := tasks.New(bus, log.Logger)
	wizards := wizard.New(db, hostReg, bus, v, log.Logger)

	// Notification chain: structured log always, external providers when
	// configured.
	notifiers := []notify.Notifier{notify.NewLogNotifier(log)}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, notify.NewWebhook(cfg.WebhookURL, nil))
		log.Info("webhook notifications enabled", "url", cfg.WebhookURL)
	}
	if cfg.MQTTBroker != "" {
		notifiers = append(notifiers, notify.NewMQTT(cfg.MQTTBroker, cfg.MQTTTopic, "harbormaster", "", "", 1))
		log.Info("mqtt notifications enabled", "broker", cfg.MQTTBroker, "topic", cfg.MQTTTopic)
	}
	multi := notify.NewMulti(log, notifiers...)
	go notify.Bridge(ctx, bus, multi)

	go sweepLoop(ctx, authSvc, wizards, log)
	if cfg.MetricsTextfile != "" {
		go textfileLoop(ctx, cfg.MetricsTextfile, cfg.MetricsTextfileIv, log)
	}

	srv := web.New(web.Dependencies{
		Auth:    authSvc,
		Hosts:   hostReg,
		Pool:    pm,
		Streams: streamReg,
		Tasks:   taskReg,
		Wizards: wizards,
		Audit:   recorder,
		Bus:     bus,
		Config:  cfg,
		Log:     log.Logger,
	})
	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		var err error
		switch cfg.TLSMode {
		case "off":
			log.Warn("serving plaintext HTTP, tokens travel unencrypted")
			err = httpSrv.ListenAndServe()
		case "provided":
			err = httpSrv.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
		default: // self-signed
			certPath, keyPath, cerr := web.EnsureSelfSignedCert(cfg.DataDir)
			if cerr != nil {
				log.Error("failed to provision self-signed certificate", "error", cerr)
				os.Exit(1)
			}
			err = httpSrv.ListenAndServeTLS(certPath, keyPath)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			cancel()
		}
	}()

	log.Info("harbormaster started", "version", version, "addr", cfg.ListenAddr, "tls", cfg.TLSMode)

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", "error", err)
	}
	streamReg.Close()
	if err := taskReg.Shutdown(shutdownCtx); err != nil {
		log.Warn("tasks still running at shutdown", "error", err)
	}
	if err := recorder.Close(shutdownCtx); err != nil {
		log.Warn("audit queue not fully drained", "error", err)
	}
	pm.CloseAll()
	log.Info("shutdown complete")
}

// dropDeletedHosts evicts pool state for hosts removed from the
// registry so stale clients and breakers do not linger.
func dropDeletedHosts(ctx context.Context, bus *events.Bus, pm *pool.Manager) {
	ch, cancel := bus.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if evt.Type == events.EventHostDeleted {
				pm.Remove(evt.HostID)
			}
		}
	}
}

// sweepLoop periodically purges expired refresh tokens and stale wizard
// instances.
func sweepLoop(ctx context.Context, authSvc *auth.Service, wizards *wizard.Engine, log *logging.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			authSvc.SweepExpired()
			if n, err := wizards.SweepExpired(); err != nil {
				log.Warn("wizard sweep failed", "error", err)
			} else if n > 0 {
				log.Info("expired wizards swept", "count", n)
			}
		}
	}
}

// textfileLoop writes metrics for the node-exporter textfile collector.
func textfileLoop(ctx context.Context, path string, interval time.Duration, log *logging.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := metrics.WriteTextfile(path); err != nil {
				log.Warn("metrics textfile write failed", "path", path, "error", err)
			}
		}
	}
}
