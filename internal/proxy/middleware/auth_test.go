package middleware

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/lumenai/keywarden/internal/db/models"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:middleware-test-%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite memory db: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&models.Config{}); err != nil {
		t.Fatalf("failed to migrate test db: %v", err)
	}
	return db
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
}

func TestServiceKeyAuth_AcceptedForms(t *testing.T) {
	db := newTestDB(t)
	db.Create(&models.Config{Key: "service_api_key", Value: "sk-test123"})
	handler := ServiceKeyAuth(db)(okHandler())

	tests := []struct {
		name  string
		setup func(r *http.Request)
	}{
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer sk-test123") }},
		{"x-api-key", func(r *http.Request) { r.Header.Set("x-api-key", "sk-test123") }},
		{"x-goog-api-key", func(r *http.Request) { r.Header.Set("x-goog-api-key", "sk-test123") }},
		{"query", func(r *http.Request) { r.URL.RawQuery = "key=sk-test123" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1beta/models/m:generateContent", nil)
			tt.setup(req)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != http.StatusOK {
				t.Errorf("status = %d, want 200", rec.Code)
			}
		})
	}
}

func TestServiceKeyAuth_RejectsBadKey(t *testing.T) {
	db := newTestDB(t)
	db.Create(&models.Config{Key: "service_api_key", Value: "sk-test123"})
	handler := ServiceKeyAuth(db)(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/v1beta/models/m:generateContent", nil)
	req.Header.Set("x-api-key", "sk-wrong")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
}

func TestServiceKeyAuth_OpenWhenUnconfigured(t *testing.T) {
	db := newTestDB(t)
	handler := ServiceKeyAuth(db)(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/v1beta/models/m:generateContent", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 on first run without a service key", rec.Code)
	}
}

func TestAdminAuth(t *testing.T) {
	handler := AdminAuth("hunter2")(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/keys", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status without credentials = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/keys", nil)
	req.SetBasicAuth("admin", "hunter3")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status with wrong password = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/keys", nil)
	req.SetBasicAuth("admin", "hunter2")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status with password = %d, want 200", rec.Code)
	}
}

func TestAdminAuth_OpenWithoutPassword(t *testing.T) {
	handler := AdminAuth("")(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/keys", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 with no admin password configured", rec.Code)
	}
}
