package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/lumenai/keywarden/internal/journal"
	"github.com/lumenai/keywarden/internal/keypool"
)

const (
	defaultSeriesDays  = 30
	defaultHistorySize = 100
)

// StatsHandler returns the per-day usage series for charting plus the
// bounded rotation and error histories.
// GET /api/stats
func StatsHandler(ledger *keypool.Ledger, j *journal.Journal) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		days := defaultSeriesDays
		if raw := r.URL.Query().Get("days"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil && n > 0 {
				days = n
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"daily_usage":      ledger.Series(r.Context(), days),
			"rotation_history": j.Rotations(r.Context(), defaultHistorySize),
			"error_history":    j.Errors(r.Context(), defaultHistorySize),
			"totals":           j.Stats(),
		})
	}
}
