package handlers

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/lumenai/keywarden/internal/db/models"
	"github.com/lumenai/keywarden/internal/journal"
	"github.com/lumenai/keywarden/internal/keypool"
	"github.com/lumenai/keywarden/internal/secrets"
	"github.com/lumenai/keywarden/internal/upstream"
	"gorm.io/gorm"
)

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

// testStack is the full pool wiring behind an in-memory database and a
// stubbed upstream, routed the same way the server binary routes.
type testStack struct {
	db         *gorm.DB
	box        *secrets.Box
	ledger     *keypool.Ledger
	journal    *journal.Journal
	manager    *keypool.Manager
	probe      *keypool.Probe
	dispatcher *keypool.Dispatcher
	router     chi.Router
}

func newTestStack(t *testing.T, rt roundTripperFunc) *testStack {
	t.Helper()

	dsn := fmt.Sprintf("file:handlers-test-%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite memory db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	if err := db.AutoMigrate(&models.APIKey{}, &models.KeyUsage{}, &models.KeyEvent{}, &models.Config{}); err != nil {
		t.Fatalf("failed to migrate test db: %v", err)
	}

	box, err := secrets.NewBox("test-encryption-key")
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}

	if rt == nil {
		rt = func(r *http.Request) (*http.Response, error) {
			t.Fatal("unexpected upstream call")
			return nil, nil
		}
	}
	client := upstream.NewClientWithHTTP("https://example.test", time.Minute, &http.Client{
		Timeout:   time.Minute,
		Transport: rt,
	})

	cooldown := 5 * time.Minute
	j := journal.New(db, 200, 30*24*time.Hour)
	ledger := keypool.NewLedger(db, 250, 0.8)
	probe := keypool.NewProbe(db, client, box, j)
	manager := keypool.NewManager(db, ledger, j, box, cooldown)
	dispatcher := keypool.NewDispatcher(db, manager, ledger, probe, client)

	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Get("/keys", ListKeysHandler(db, ledger, j, box, cooldown))
		r.Post("/keys", CreateKeyHandler(db, box))
		r.Put("/keys/{id}", UpdateKeyHandler(db))
		r.Delete("/keys/{id}", DeleteKeyHandler(db))
		r.Post("/keys/{id}/test", TestKeyHandler(probe))
		r.Post("/keys/{id}/activate", ActivateKeyHandler(manager))
		r.Post("/keys/{id}/promote", PromoteKeyHandler(manager))
		r.Get("/stats", StatsHandler(ledger, j))
		r.Get("/config/apikey", GetServiceKeyHandler(db))
		r.Post("/config/apikey/regenerate", RegenerateServiceKeyHandler(db))
	})
	r.Post("/v1beta/models/{model}:generateContent", GenerateContentHandler(dispatcher))

	return &testStack{
		db:         db,
		box:        box,
		ledger:     ledger,
		journal:    j,
		manager:    manager,
		probe:      probe,
		dispatcher: dispatcher,
		router:     r,
	}
}

func (s *testStack) seedKey(t *testing.T, secret string, priority int, opts ...func(*models.APIKey)) models.APIKey {
	t.Helper()
	encrypted, err := s.box.Encrypt(secret)
	if err != nil {
		t.Fatalf("encrypt seed key: %v", err)
	}
	key := models.APIKey{
		ID:          uuid.New().String(),
		DisplayName: "Test " + secret,
		Key:         encrypted,
		Fingerprint: secrets.Fingerprint(secret),
		Priority:    priority,
		Enabled:     true,
	}
	for _, opt := range opts {
		opt(&key)
	}
	// GORM's default:true tag makes Create store (and back-fill) true for a
	// zero-valued Enabled, so persist the intended value explicitly.
	enabled := key.Enabled
	if err := s.db.Create(&key).Error; err != nil {
		t.Fatalf("create seed key: %v", err)
	}
	if err := s.db.Model(&models.APIKey{}).Where("id = ?", key.ID).
		UpdateColumn("enabled", enabled).Error; err != nil {
		t.Fatalf("persist seed key enabled flag: %v", err)
	}
	key.Enabled = enabled
	return key
}
