package keypool

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/lumenai/keywarden/internal/db/models"
	"github.com/lumenai/keywarden/internal/journal"
	"github.com/lumenai/keywarden/internal/secrets"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:keypool-test-%d?mode=memory&cache=shared", time.Now().UnixNano())
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
	if err := db.AutoMigrate(&models.APIKey{}, &models.KeyUsage{}, &models.KeyEvent{}); err != nil {
		t.Fatalf("failed to migrate test db: %v", err)
	}
	return db
}

func newTestBox(t *testing.T) *secrets.Box {
	t.Helper()
	box, err := secrets.NewBox("test-encryption-key")
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}
	return box
}

// seedKey inserts a pool key with an encrypted secret and returns it.
func seedKey(t *testing.T, db *gorm.DB, box *secrets.Box, secret string, priority int, opts ...func(*models.APIKey)) models.APIKey {
	t.Helper()
	encrypted, err := box.Encrypt(secret)
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
	if err := db.Create(&key).Error; err != nil {
		t.Fatalf("create seed key: %v", err)
	}
	if err := db.Model(&models.APIKey{}).Where("id = ?", key.ID).
		UpdateColumn("enabled", enabled).Error; err != nil {
		t.Fatalf("persist seed key enabled flag: %v", err)
	}
	key.Enabled = enabled
	return key
}

func asPrimary(k *models.APIKey)  { k.IsPrimary = true }
func asDisabled(k *models.APIKey) { k.Enabled = false }

// setUsage writes a ledger row directly for test setup.
func setUsage(t *testing.T, db *gorm.DB, keyID, day string, calls int64) {
	t.Helper()
	if err := db.Create(&models.KeyUsage{
		APIKeyID:     keyID,
		Date:         day,
		APICallCount: calls,
	}).Error; err != nil {
		t.Fatalf("set usage: %v", err)
	}
}

func newTestJournal(db *gorm.DB) *journal.Journal {
	return journal.New(db, 200, 30*24*time.Hour)
}

// fakeProvider stubs the upstream for probe and dispatcher tests.
type fakeProvider struct {
	pingFn func(ctx context.Context, apiKey string) (int, error)
	genFn  func(ctx context.Context, apiKey, model string, body []byte) (*http.Response, error)
}

func (f *fakeProvider) Ping(ctx context.Context, apiKey string) (int, error) {
	if f.pingFn == nil {
		return http.StatusOK, nil
	}
	return f.pingFn(ctx, apiKey)
}

func (f *fakeProvider) GenerateContent(ctx context.Context, apiKey, model string, body []byte) (*http.Response, error) {
	return f.genFn(ctx, apiKey, model, body)
}
