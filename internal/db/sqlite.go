package db

import (
	"crypto/rand"
	"encoding/hex"
	"log"
	"os"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/lumenai/keywarden/internal/db/models"
	"github.com/lumenai/keywarden/internal/secrets"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// InitDB opens the SQLite database and runs migrations.
func InitDB(dbPath string) (*gorm.DB, error) {
	database, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	if err := database.AutoMigrate(
		&models.APIKey{},
		&models.KeyUsage{},
		&models.KeyEvent{},
		&models.Config{},
	); err != nil {
		return nil, err
	}

	ensureServiceKey(database)
	return database, nil
}

// ensureServiceKey generates the service API key on first run. This key
// authenticates callers of the dispatch endpoints, not upstream calls.
func ensureServiceKey(database *gorm.DB) {
	var config models.Config
	if err := database.Where("key = ?", "service_api_key").First(&config).Error; err == nil {
		return
	}

	database.Create(&models.Config{
		Key:   "service_api_key",
		Value: generateServiceKey(),
	})
	log.Printf("🔑 Generated new service API key (GET /api/config/apikey to read it)")
}

func generateServiceKey() string {
	keyBytes := make([]byte, 16)
	rand.Read(keyBytes)
	return "sk-" + hex.EncodeToString(keyBytes)
}

// GetServiceKey retrieves the service API key.
func GetServiceKey(database *gorm.DB) string {
	var config models.Config
	database.Where("key = ?", "service_api_key").First(&config)
	return config.Value
}

// RegenerateServiceKey replaces the service API key and returns the new value.
func RegenerateServiceKey(database *gorm.DB) string {
	apiKey := generateServiceKey()
	database.Model(&models.Config{}).Where("key = ?", "service_api_key").Update("value", apiKey)
	log.Printf("🔑 Regenerated service API key")
	return apiKey
}

// EnsurePrimaryKey seeds the non-deletable primary key from the
// environment when the pool has no primary yet. The primary is the
// fallback of last resort, so it gets the highest priority number and is
// never auto-selected ahead of operator-added keys.
func EnsurePrimaryKey(database *gorm.DB, box *secrets.Box) error {
	var count int64
	if err := database.Model(&models.APIKey{}).Where("is_primary = ?", true).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	plaintext := strings.TrimSpace(os.Getenv("KEYWARDEN_PRIMARY_KEY"))
	if plaintext == "" {
		plaintext = strings.TrimSpace(os.Getenv("GEMINI_API_KEY"))
	}
	if plaintext == "" {
		log.Printf("⚠️ No primary key in pool and KEYWARDEN_PRIMARY_KEY is unset; pool has no fallback")
		return nil
	}

	encrypted, err := box.Encrypt(plaintext)
	if err != nil {
		return err
	}
	now := time.Now()
	if err := database.Create(&models.APIKey{
		ID:          uuid.New().String(),
		DisplayName: "Primary (seeded)",
		Key:         encrypted,
		Fingerprint: secrets.Fingerprint(plaintext),
		Priority:    100,
		Enabled:     true,
		IsPrimary:   true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}).Error; err != nil {
		return err
	}
	log.Printf("🔑 Seeded primary key %s from environment", secrets.Mask(plaintext))
	return nil
}
