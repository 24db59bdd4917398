package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/lumenai/keywarden/internal/db/models"
	"github.com/lumenai/keywarden/internal/journal"
	"github.com/lumenai/keywarden/internal/keypool"
	"github.com/lumenai/keywarden/internal/secrets"
	"gorm.io/gorm"
)

// keyView is the admin-facing shape of a pool key. The secret never
// leaves the server; only the masked form does.
type keyView struct {
	ID          string     `json:"id"`
	DisplayName string     `json:"display_name"`
	MaskedKey   string     `json:"masked_key"`
	Priority    int        `json:"priority"`
	Enabled     bool       `json:"enabled"`
	IsActive    bool       `json:"is_active"`
	IsPrimary   bool       `json:"is_primary"`
	CoolingDown bool       `json:"cooling_down"`
	UsageToday  usageView  `json:"usage_today"`
	LastUsedAt  *time.Time `json:"last_used_at"`
	LastErrorAt *time.Time `json:"last_error_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

type usageView struct {
	MessageCount int64 `json:"message_count"`
	APICallCount int64 `json:"api_call_count"`
	TokensUsed   int64 `json:"tokens_used"`
}

// ListKeysHandler returns all pool keys with masked secrets, today's
// usage, and pool-level stats.
// GET /api/keys
func ListKeysHandler(database *gorm.DB, ledger *keypool.Ledger, j *journal.Journal, box *secrets.Box, cooldown time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var keys []models.APIKey
		if err := database.Order("priority ASC, created_at ASC").Find(&keys).Error; err != nil {
			http.Error(w, `{"error": "Failed to load keys"}`, http.StatusInternalServerError)
			return
		}

		now := time.Now()
		today := ledger.Today()
		views := make([]keyView, 0, len(keys))
		var totalRequests, totalTokens int64
		activeCount := 0

		for _, k := range keys {
			usage := ledger.UsageFor(r.Context(), k.ID, today)
			totalRequests += usage.APICallCount
			totalTokens += usage.TokensUsed
			if k.IsActive {
				activeCount++
			}

			masked := ""
			if plaintext, err := box.Decrypt(k.Key); err == nil {
				masked = secrets.Mask(plaintext)
			}

			views = append(views, keyView{
				ID:          k.ID,
				DisplayName: k.DisplayName,
				MaskedKey:   masked,
				Priority:    k.Priority,
				Enabled:     k.Enabled,
				IsActive:    k.IsActive,
				IsPrimary:   k.IsPrimary,
				CoolingDown: k.CoolingDown(now, cooldown),
				UsageToday: usageView{
					MessageCount: usage.MessageCount,
					APICallCount: usage.APICallCount,
					TokensUsed:   usage.TokensUsed,
				},
				LastUsedAt:  k.LastUsedAt,
				LastErrorAt: k.LastErrorAt,
				CreatedAt:   k.CreatedAt,
				UpdatedAt:   k.UpdatedAt,
			})
		}

		recentErrors := j.Errors(r.Context(), 100)
		errorRate := 0.0
		if len(keys) > 0 {
			errorRate = float64(len(recentErrors)) / float64(len(keys)*10) * 100
			if errorRate > 100 {
				errorRate = 100
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"keys": views,
			"stats": map[string]interface{}{
				"total_requests":   totalRequests,
				"total_tokens":     totalTokens,
				"error_rate":       errorRate,
				"active_key_count": activeCount,
			},
		})
	}
}

// CreateKeyHandler adds a key to the pool. The secret is encrypted before
// storage and never returned in plaintext again.
// POST /api/keys
func CreateKeyHandler(database *gorm.DB, box *secrets.Box) http.HandlerFunc {
	type request struct {
		Key         string `json:"key"`
		DisplayName string `json:"display_name"`
		Priority    int    `json:"priority"`
		Enabled     *bool  `json:"enabled"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
			return
		}
		if req.Key == "" {
			http.Error(w, `{"error": "API key is required"}`, http.StatusBadRequest)
			return
		}

		fingerprint := secrets.Fingerprint(req.Key)
		var count int64
		database.Model(&models.APIKey{}).Where("fingerprint = ?", fingerprint).Count(&count)
		if count > 0 {
			http.Error(w, `{"error": "This API key already exists"}`, http.StatusBadRequest)
			return
		}

		encrypted, err := box.Encrypt(req.Key)
		if err != nil {
			http.Error(w, `{"error": "Failed to encrypt API key"}`, http.StatusInternalServerError)
			return
		}

		key := models.APIKey{
			ID:          uuid.New().String(),
			DisplayName: req.DisplayName,
			Key:         encrypted,
			Fingerprint: fingerprint,
			Priority:    req.Priority,
			Enabled:     req.Enabled == nil || *req.Enabled,
		}
		if key.DisplayName == "" {
			key.DisplayName = "Key " + key.ID[:8]
		}
		if key.Priority == 0 {
			key.Priority = 1
		}

		if err := database.Create(&key).Error; err != nil {
			http.Error(w, `{"error": "Failed to create API key"}`, http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":           key.ID,
			"display_name": key.DisplayName,
			"masked_key":   secrets.Mask(req.Key),
			"priority":     key.Priority,
			"enabled":      key.Enabled,
			"created_at":   key.CreatedAt,
		})
	}
}

// UpdateKeyHandler changes operator-editable fields. The secret itself is
// immutable; replace the key instead.
// PUT /api/keys/{id}
func UpdateKeyHandler(database *gorm.DB) http.HandlerFunc {
	type request struct {
		DisplayName *string `json:"display_name"`
		Priority    *int    `json:"priority"`
		Enabled     *bool   `json:"enabled"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
			return
		}

		var key models.APIKey
		if err := database.Where("id = ?", id).First(&key).Error; err != nil {
			http.Error(w, `{"error": "API key not found"}`, http.StatusNotFound)
			return
		}

		updates := map[string]interface{}{}
		if req.DisplayName != nil {
			updates["display_name"] = *req.DisplayName
		}
		if req.Priority != nil {
			updates["priority"] = *req.Priority
		}
		if req.Enabled != nil {
			updates["enabled"] = *req.Enabled
		}
		if len(updates) > 0 {
			if err := database.Model(&key).Updates(updates).Error; err != nil {
				http.Error(w, `{"error": "Failed to update API key"}`, http.StatusInternalServerError)
				return
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":           key.ID,
			"display_name": key.DisplayName,
			"priority":     key.Priority,
			"enabled":      key.Enabled,
			"updated_at":   key.UpdatedAt,
		})
	}
}

// DeleteKeyHandler removes a key from the pool. The primary key is the
// fallback of last resort and cannot be deleted.
// DELETE /api/keys/{id}
func DeleteKeyHandler(database *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		var key models.APIKey
		if err := database.Where("id = ?", id).First(&key).Error; err != nil {
			http.Error(w, `{"error": "API key not found"}`, http.StatusNotFound)
			return
		}
		if key.IsPrimary {
			http.Error(w, `{"error": "Cannot delete primary key"}`, http.StatusBadRequest)
			return
		}

		if err := database.Delete(&key).Error; err != nil {
			http.Error(w, `{"error": "Failed to delete API key"}`, http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success": true}`))
	}
}

// TestKeyHandler probes a key against the upstream provider.
// POST /api/keys/{id}/test
func TestKeyHandler(probe *keypool.Probe) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		result, err := probe.Test(r.Context(), id)
		if err != nil {
			if errors.Is(err, keypool.ErrKeyNotFound) {
				http.Error(w, `{"error": "API key not found"}`, http.StatusNotFound)
				return
			}
			http.Error(w, `{"error": "Failed to test API key"}`, http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(result)
	}
}

// ActivateKeyHandler is the operator's manual rotation to a specific key.
// POST /api/keys/{id}/activate
func ActivateKeyHandler(manager *keypool.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		err := manager.Activate(r.Context(), id)
		switch {
		case err == nil:
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"success": true}`))
		case errors.Is(err, keypool.ErrKeyNotFound):
			http.Error(w, `{"error": "API key not found"}`, http.StatusNotFound)
		case errors.Is(err, keypool.ErrKeyDisabled):
			http.Error(w, `{"error": "Key is disabled"}`, http.StatusBadRequest)
		case errors.Is(err, keypool.ErrKeyCoolingDown):
			http.Error(w, `{"error": "Key is cooling down after an error"}`, http.StatusConflict)
		default:
			http.Error(w, `{"error": "Failed to activate key"}`, http.StatusInternalServerError)
		}
	}
}

// PromoteKeyHandler moves the primary flag to a key.
// POST /api/keys/{id}/promote
func PromoteKeyHandler(manager *keypool.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		err := manager.SetPrimary(r.Context(), id)
		switch {
		case err == nil:
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"success": true}`))
		case errors.Is(err, keypool.ErrKeyNotFound):
			http.Error(w, `{"error": "API key not found"}`, http.StatusNotFound)
		default:
			http.Error(w, `{"error": "Failed to promote key"}`, http.StatusInternalServerError)
		}
	}
}
