// Command newswired runs the announcement exchange daemon: an HTTP
// endpoint serving this instance's announcements to other instances,
// and a background loop pulling announcements from configured remote
// sources.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/newswire/client"
	"github.com/opd-ai/newswire/config"
	"github.com/opd-ai/newswire/crypto"
	"github.com/opd-ai/newswire/message"
	"github.com/opd-ai/newswire/protocol"
	"github.com/opd-ai/newswire/reconcile"
	"github.com/opd-ai/newswire/server"
	"github.com/opd-ai/newswire/stats"
	"github.com/opd-ai/newswire/store"
)

func main() {
	configPath := flag.String("config", "newswire.yaml", "path to the configuration file")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("loading configuration")
	}

	db, err := store.NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		logrus.WithError(err).Fatal("opening database")
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Provider.Enabled {
		go serveProvider(ctx, cfg, db)
	}
	if cfg.Consumer.Enabled {
		go runConsumer(ctx, cfg, db)
	}
	if !cfg.Provider.Enabled && !cfg.Consumer.Enabled {
		logrus.Fatal("neither provider nor consumer role enabled, nothing to do")
	}

	<-ctx.Done()
	logrus.Info("shutting down")
}

// serveProvider runs the gin endpoint answering exchange requests.
func serveProvider(ctx context.Context, cfg *config.Config, db *store.SQLiteStore) {
	worker, err := buildWorker(cfg, db)
	if err != nil {
		logrus.WithError(err).Fatal("building provider worker")
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	handler := exchangeHandler(worker)
	router.POST("/exchange", handler)
	// GET serves script-tag clients; the callback parameter selects
	// JSONP framing.
	router.GET("/exchange", handler)

	srv := &http.Server{Addr: cfg.Provider.ListenAddr, Handler: router}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logrus.WithField("addr", cfg.Provider.ListenAddr).Info("provider endpoint listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logrus.WithError(err).Fatal("provider endpoint failed")
	}
}

// buildWorker assembles the provider worker from the configured keys.
func buildWorker(cfg *config.Config, db *store.SQLiteStore) (*server.Worker, error) {
	var boxKeys *crypto.KeyPair
	if cfg.Provider.BoxSecretKey != "" {
		secret, err := crypto.DecodeKey(cfg.Provider.BoxSecretKey)
		if err != nil {
			return nil, err
		}
		boxKeys, err = crypto.FromSecretKey(secret)
		if err != nil {
			return nil, err
		}
	}

	var signKeys *crypto.SignKeyPair
	if cfg.Provider.SignSeed != "" {
		seed, err := crypto.DecodeKey(cfg.Provider.SignSeed)
		if err != nil {
			return nil, err
		}
		signKeys, err = crypto.SignKeyPairFromSeed(seed)
		if err != nil {
			return nil, err
		}
	}

	extensions := []server.Extension{
		server.NewMessageListExtension(db),
		server.NewStatisticsSinkExtension(),
	}
	return server.NewWorker(true, boxKeys, signKeys, extensions), nil
}

// exchangeHandler adapts HTTP form requests to the worker pipeline.
// Enveloped versions send version+payload; 1.0 sends discrete fields.
func exchangeHandler(worker *server.Worker) gin.HandlerFunc {
	return func(c *gin.Context) {
		in := server.Incoming{
			Version: c.DefaultPostForm("version", c.Query("version")),
			Payload: c.DefaultPostForm("payload", c.Query("payload")),
		}
		if in.Version == "" {
			in.Version = "1.0"
		}
		if in.Payload == "" {
			in.Fields = flattenParams(c)
		}

		body, err := worker.Handle(c.Request.Context(), in)
		if err != nil {
			logrus.WithError(err).Warn("exchange request rejected")
			c.String(failureStatus(in.Version, err), "")
			return
		}

		if callback := c.Query("callback"); callback != "" {
			c.Data(http.StatusOK, "application/javascript", server.WrapJSONP(callback, body))
			return
		}
		c.Data(http.StatusOK, "text/plain", body)
	}
}

// failureStatus maps a worker error to the HTTP status the requesting
// version expects. Legacy flat-shape clients only understand a bare
// 500; enveloped versions distinguish rejected requests from a
// misconfigured provider.
func failureStatus(version string, err error) int {
	if spec, lookupErr := protocol.Lookup(protocol.Version(version)); lookupErr == nil && !spec.Enveloped {
		return http.StatusInternalServerError
	}
	if errors.Is(err, server.ErrConfiguration) {
		return http.StatusServiceUnavailable
	}
	return http.StatusBadRequest
}

// flattenParams lifts the discrete parameters of a legacy request into
// a field map, form values taking precedence over the query string.
func flattenParams(c *gin.Context) map[string]string {
	fields := make(map[string]string)
	for key, values := range c.Request.URL.Query() {
		if len(values) > 0 {
			fields[key] = values[0]
		}
	}
	c.Request.ParseForm()
	for key, values := range c.Request.PostForm {
		if len(values) > 0 {
			fields[key] = values[0]
		}
	}
	return fields
}

// runConsumer drives the scheduled pull/push cycle until the context
// ends. The per-source frequency gate inside the orchestrator decides
// which sources each wakeup actually contacts.
func runConsumer(ctx context.Context, cfg *config.Config, db *store.SQLiteStore) {
	sources, err := cfg.ClientSources()
	if err != nil {
		logrus.WithError(err).Fatal("resolving sources")
	}
	boxKeys, err := cfg.ConsumerKeyPair()
	if err != nil {
		logrus.WithError(err).Fatal("deriving consumer key pair")
	}

	var reporter *stats.Reporter
	if cfg.Consumer.ReportStatistics {
		reporter = stats.NewReporter(db, noUsers{}, stats.Predicate{}, "", cfg.Consumer.StatisticsSalt)
	}

	transport := client.NewHTTPTransport(30 * time.Second)
	engine := reconcile.NewEngine(db)
	orchestrator := client.NewOrchestrator(transport, db, engine, reporter, cfg.ClientIdentity(), boxKeys)

	interval := time.Duration(cfg.Consumer.CycleIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logrus.WithFields(logrus.Fields{
		"sources":  len(sources),
		"interval": interval,
	}).Info("consumer cycle started")

	for {
		result := orchestrator.RunPull(ctx, sources, client.ModeBackground)
		logrus.WithFields(logrus.Fields{
			"processed": result.Processed,
			"not_due":   result.NotDue,
			"failed":    result.Failed,
		}).Debug("pull cycle complete")

		if reporter != nil {
			orchestrator.RunPush(ctx, sources, client.ModeBackground)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// noUsers is the identity provider of a headless daemon: no local user
// base, so statistics reports carry counts only.
type noUsers struct{}

func (noUsers) MatchUsers(ctx context.Context, predicate string) ([]message.User, error) {
	return nil, nil
}

func (noUsers) Matches(ctx context.Context, predicate, userID string) (bool, error) {
	return false, nil
}

func (noUsers) User(ctx context.Context, id string) (message.User, bool, error) {
	return message.User{}, false, nil
}
