package keypool

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/lumenai/keywarden/internal/db/models"
	"github.com/lumenai/keywarden/internal/journal"
	"github.com/lumenai/keywarden/internal/secrets"
	"gorm.io/gorm"
)

// ProviderClient is the minimal upstream surface the pool needs. The
// production implementation is internal/upstream.Client.
type ProviderClient interface {
	Ping(ctx context.Context, apiKey string) (int, error)
	GenerateContent(ctx context.Context, apiKey, model string, body []byte) (*http.Response, error)
}

// ProbeResult is the outcome of a key validation call.
type ProbeResult struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// Probe validates a single key against the upstream provider with a
// minimal, low-cost call. Probes block only their caller; they hold no
// pool-wide lock.
type Probe struct {
	db      *gorm.DB
	client  ProviderClient
	box     *secrets.Box
	journal *journal.Journal
	now     func() time.Time
}

// NewProbe creates a Probe.
func NewProbe(db *gorm.DB, client ProviderClient, box *secrets.Box, j *journal.Journal) *Probe {
	return &Probe{db: db, client: client, box: box, journal: j, now: time.Now}
}

// Test probes the key and updates its health state. A valid result clears
// the unhealthy marker immediately, ending any cooldown early; an invalid
// result stamps LastErrorAt and journals an error event.
func (p *Probe) Test(ctx context.Context, keyID string) (ProbeResult, error) {
	var key models.APIKey
	if err := p.db.WithContext(ctx).Where("id = ?", keyID).First(&key).Error; err != nil {
		return ProbeResult{}, ErrKeyNotFound
	}

	plaintext, err := p.box.Decrypt(key.Key)
	if err != nil {
		result := ProbeResult{Valid: false, Error: "stored key cannot be decrypted"}
		p.markError(ctx, keyID, result.Error)
		return result, nil
	}

	status, err := p.client.Ping(ctx, plaintext)
	if err != nil {
		// Transport failure says nothing about the key itself; report it
		// without poisoning the key's health state.
		return ProbeResult{Valid: false, Error: err.Error()}, nil
	}

	switch {
	case status == http.StatusOK:
		p.clearError(ctx, keyID)
		return ProbeResult{Valid: true}, nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		result := ProbeResult{Valid: false, Error: "Invalid API key"}
		p.markError(ctx, keyID, result.Error)
		return result, nil
	case status == http.StatusTooManyRequests:
		// The key authenticated; it is throttled, not dead.
		p.clearError(ctx, keyID)
		return ProbeResult{Valid: true, Error: "Quota exceeded but key is valid"}, nil
	default:
		result := ProbeResult{Valid: false, Error: fmt.Sprintf("HTTP %d", status)}
		p.markError(ctx, keyID, result.Error)
		return result, nil
	}
}

func (p *Probe) markError(ctx context.Context, keyID, message string) {
	now := p.now()
	if err := p.db.WithContext(ctx).Model(&models.APIKey{}).
		Where("id = ?", keyID).
		Update("last_error_at", now).Error; err != nil {
		log.Printf("[Probe] Failed to mark error on key %s: %v", keyID, err)
	}
	p.journal.AppendError(ctx, keyID, models.ReasonHealthCheckFailed, message)
}

func (p *Probe) clearError(ctx context.Context, keyID string) {
	if err := p.db.WithContext(ctx).Model(&models.APIKey{}).
		Where("id = ?", keyID).
		Update("last_error_at", nil).Error; err != nil {
		log.Printf("[Probe] Failed to clear error on key %s: %v", keyID, err)
	}
}
