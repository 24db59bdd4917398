package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/lumenai/keywarden/internal/db"
	"gorm.io/gorm"
)

// GetServiceKeyHandler returns the service API key that authenticates
// dispatch callers.
// GET /api/config/apikey
func GetServiceKeyHandler(database *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"api_key": db.GetServiceKey(database),
		})
	}
}

// RegenerateServiceKeyHandler replaces the service API key. Existing
// callers are cut off immediately.
// POST /api/config/apikey/regenerate
func RegenerateServiceKeyHandler(database *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"api_key": db.RegenerateServiceKey(database),
		})
	}
}
