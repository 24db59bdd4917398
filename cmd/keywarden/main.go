package main

import (
	"flag"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/lumenai/keywarden/internal/config"
	"github.com/lumenai/keywarden/internal/db"
	"github.com/lumenai/keywarden/internal/journal"
	"github.com/lumenai/keywarden/internal/keypool"
	"github.com/lumenai/keywarden/internal/logging"
	"github.com/lumenai/keywarden/internal/proxy/handlers"
	"github.com/lumenai/keywarden/internal/proxy/middleware"
	"github.com/lumenai/keywarden/internal/secrets"
	"github.com/lumenai/keywarden/internal/upstream"
	"github.com/lumenai/keywarden/internal/version"
)

func main() {
	configPath := flag.String("config", "keywarden.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.EncryptionKey == "" {
		log.Fatalf("KEYWARDEN_ENCRYPTION_KEY must be set; pool secrets are encrypted at rest")
	}

	box, err := secrets.NewBox(cfg.EncryptionKey)
	if err != nil {
		log.Fatalf("Failed to initialize secret encryption: %v", err)
	}

	database, err := db.InitDB(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	if err := db.EnsurePrimaryKey(database, box); err != nil {
		log.Fatalf("Failed to seed primary key: %v", err)
	}

	// Pool wiring: ledger -> journal -> probe -> rotation -> dispatcher
	eventJournal := journal.New(database, cfg.JournalMaxEvents, cfg.JournalMaxAge)
	ledger := keypool.NewLedger(database, cfg.DailyCallQuota, cfg.SoftThreshold)
	client := upstream.NewClient(cfg.UpstreamBaseURL, cfg.UpstreamTimeout)
	probe := keypool.NewProbe(database, client, box, eventJournal)
	manager := keypool.NewManager(database, ledger, eventJournal, box, cfg.ErrorCooldown)
	dispatcher := keypool.NewDispatcher(database, manager, ledger, probe, client)

	r := chi.NewRouter()
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(logging.RequestID)

	r.Get("/healthz", handlers.HealthzHandler())

	// Admin API (basic auth when KEYWARDEN_ADMIN_PASSWORD is set)
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.AdminAuth(cfg.AdminPassword))

		r.Get("/keys", handlers.ListKeysHandler(database, ledger, eventJournal, box, cfg.ErrorCooldown))
		r.Post("/keys", handlers.CreateKeyHandler(database, box))
		r.Put("/keys/{id}", handlers.UpdateKeyHandler(database))
		r.Delete("/keys/{id}", handlers.DeleteKeyHandler(database))
		r.Post("/keys/{id}/test", handlers.TestKeyHandler(probe))
		r.Post("/keys/{id}/activate", handlers.ActivateKeyHandler(manager))
		r.Post("/keys/{id}/promote", handlers.PromoteKeyHandler(manager))

		r.Get("/stats", handlers.StatsHandler(ledger, eventJournal))

		r.Get("/config/apikey", handlers.GetServiceKeyHandler(database))
		r.Post("/config/apikey/regenerate", handlers.RegenerateServiceKeyHandler(database))

		r.Get("/version", handlers.VersionHandler())
	})

	// Dispatch surface (service API key required)
	r.Route("/v1beta/models", func(r chi.Router) {
		r.Use(middleware.ServiceKeyAuth(database))
		r.Post("/{model}:generateContent", handlers.GenerateContentHandler(dispatcher))
	})

	addr := cfg.Host + ":" + cfg.Port
	log.Printf("🚀 Keywarden %s starting on http://%s", version.Version, addr)
	log.Printf("🔑 Pool quota: %d calls/key/day (soft threshold %.0f%%, cooldown %s)",
		cfg.DailyCallQuota, cfg.SoftThreshold*100, cfg.ErrorCooldown)

	if err := http.ListenAndServe(addr, r); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
