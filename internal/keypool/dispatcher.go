package keypool

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/lumenai/keywarden/internal/db/models"
	"github.com/lumenai/keywarden/internal/upstream"
	"github.com/lumenai/keywarden/internal/util"
	"gorm.io/gorm"
)

const (
	// transientRetries bounds same-key retries on provider-class failures.
	transientRetries = 2
	maxBackoff       = 30 * time.Second
)

// Result is a completed upstream call served through the pool.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	KeyID      string
	Degraded   bool
}

// Dispatcher wraps outbound provider calls with quota-checked key
// acquisition, retry-on-failure across keys, and usage recording.
type Dispatcher struct {
	db      *gorm.DB
	manager *Manager
	ledger  *Ledger
	probe   *Probe
	client  ProviderClient

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(db *gorm.DB, manager *Manager, ledger *Ledger, probe *Probe, client ProviderClient) *Dispatcher {
	return &Dispatcher{
		db:      db,
		manager: manager,
		ledger:  ledger,
		probe:   probe,
		client:  client,
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

// Do serves one generateContent call through the pool. Key-attributable
// failures rotate to the next eligible key, bounded by the number of
// enabled keys so the call always terminates; provider-transient failures
// retry the same key with backoff; client errors pass through untouched.
// Cancelling ctx stops further retries but never rolls back usage already
// charged; that cost was incurred upstream.
func (d *Dispatcher) Do(ctx context.Context, model string, payload []byte) (*Result, error) {
	attempts := d.manager.EnabledKeyCount(ctx)
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		sel, err := d.manager.Select(ctx)
		if err != nil {
			return nil, err
		}

		result, kind, err := d.callOnce(ctx, sel, model, payload)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, err
			}
			if kind == KindProvider {
				// Not the key's fault; rotating would burn good keys.
				return nil, err
			}
			continue
		}
		return result, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w (last error: %v)", ErrAllKeysExhausted, lastErr)
	}
	return nil, ErrAllKeysExhausted
}

// callOnce performs the provider call on the selected key, including
// bounded transient retries. A returned error with KindKey means the
// caller should rotate; KindProvider means surface without rotating.
func (d *Dispatcher) callOnce(ctx context.Context, sel *Selection, model string, payload []byte) (*Result, Kind, error) {
	keyID := sel.Key.ID

	var lastErr error
	for try := 0; try <= transientRetries; try++ {
		if try > 0 {
			// Retries are extra physical calls; charge them too.
			if err := d.reserveRetry(ctx, sel); err != nil {
				return nil, KindKey, err
			}
		}

		resp, err := d.client.GenerateContent(ctx, sel.Secret, model, payload)
		if err != nil {
			if ctx.Err() != nil {
				return nil, KindNone, ctx.Err()
			}
			lastErr = fmt.Errorf("%w: %v", ErrProviderTransient, err)
			if werr := d.sleep(ctx, backoffDelay(try)); werr != nil {
				return nil, KindNone, werr
			}
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = fmt.Errorf("%w: read response: %v", ErrProviderTransient, readErr)
			continue
		}

		switch ClassifyStatus(resp.StatusCode) {
		case KindNone:
			d.recordSuccess(ctx, sel, body)
			return &Result{
				StatusCode: resp.StatusCode,
				Header:     resp.Header,
				Body:       body,
				KeyID:      keyID,
				Degraded:   sel.Degraded,
			}, KindNone, nil

		case KindClient:
			// Request-attributable; surface verbatim, never retry.
			return &Result{
				StatusCode: resp.StatusCode,
				Header:     resp.Header,
				Body:       body,
				KeyID:      keyID,
				Degraded:   sel.Degraded,
			}, KindNone, nil

		case KindProvider:
			lastErr = fmt.Errorf("%w: upstream HTTP %d", ErrProviderTransient, resp.StatusCode)
			if werr := d.sleep(ctx, backoffDelay(try)); werr != nil {
				return nil, KindNone, werr
			}
			continue

		case KindKey:
			return nil, KindKey, d.handleKeyFailure(ctx, keyID, resp.StatusCode, body)
		}
	}

	return nil, KindProvider, lastErr
}

// handleKeyFailure reacts to an auth/quota-class upstream response.
func (d *Dispatcher) handleKeyFailure(ctx context.Context, keyID string, status int, body []byte) error {
	msg := fmt.Sprintf("upstream HTTP %d", status)
	if len(body) > 0 {
		msg = fmt.Sprintf("upstream HTTP %d: %s", status, util.TruncateLog(string(body), 200))
	}

	if status == http.StatusTooManyRequests {
		if d.ledger.IsExhausted(ctx, keyID) {
			// Local quota agrees; the next selection rotates and journals
			// quota exhaustion on its own.
			log.Printf("[Dispatch] Key %s exhausted its daily quota", keyID)
			return ErrQuotaExceeded
		}
		// Upstream throttled below our local ceiling; cool the key down.
		return d.coolDown(ctx, keyID, msg)
	}

	// Auth-class failure: probe to tell a dead key from a provider hiccup.
	result, err := d.probe.Test(ctx, keyID)
	if err != nil {
		return d.coolDown(ctx, keyID, msg)
	}
	if result.Valid {
		log.Printf("[Dispatch] Key %s failed a live call but probes valid, treating as hiccup", keyID)
		return fmt.Errorf("%w: %s", ErrProviderTransient, msg)
	}
	// The probe already stamped the error state; rotate off the key.
	return d.coolDown(ctx, keyID, msg)
}

// coolDown marks the key unavailable and returns a non-nil error so the
// dispatch loop moves on to the next key.
func (d *Dispatcher) coolDown(ctx context.Context, keyID, msg string) error {
	if err := d.manager.MarkUnavailable(ctx, keyID, msg); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", ErrKeyCoolingDown, msg)
}

func (d *Dispatcher) reserveRetry(ctx context.Context, sel *Selection) error {
	if sel.Degraded {
		return d.ledger.ForceReserve(ctx, sel.Key.ID, 1)
	}
	return d.ledger.TryReserve(ctx, sel.Key.ID, 1)
}

// recordSuccess logs real usage after a served call: token/message counts
// into the ledger, last_used_at on the key.
func (d *Dispatcher) recordSuccess(ctx context.Context, sel *Selection, body []byte) {
	tokens := upstream.ParseUsage(body)
	if err := d.ledger.RecordTokens(ctx, sel.Key.ID, 1, tokens); err != nil {
		log.Printf("[Dispatch] Failed to record usage for key %s: %v", sel.Key.ID, err)
	}
	if err := d.db.WithContext(ctx).Model(&models.APIKey{}).
		Where("id = ?", sel.Key.ID).
		Update("last_used_at", d.now()).Error; err != nil {
		log.Printf("[Dispatch] Failed to update last_used_at for key %s: %v", sel.Key.ID, err)
	}
}

func backoffDelay(try int) time.Duration {
	delay := time.Second << uint(try)
	if delay > maxBackoff {
		return maxBackoff
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
