package app

import (
	"context"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/config"
	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/logging"
	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/models"
)

func localConfig() config.ServerConfig {
	return config.ServerConfig{
		LockTimeout:       time.Second,
		TrackingTTL:       30 * time.Second,
		DefaultSpeedMps:   8,
		MaxScheduleAhead:  5 * time.Hour,
		SchedulerInterval: time.Minute,
	}
}

func TestNewInMemory(t *testing.T) {
	a, err := New(context.Background(), localConfig(), logging.Discard())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer a.Close()

	for _, path := range []string{"/healthz", "/ready"} {
		rec := httptest.NewRecorder()
		a.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rec.Code)
		}
	}

	body := `{"pickup":{"address":"a","lat":45.2551,"lon":19.8451},"dropoff":{"address":"b","lat":45.2671,"lon":19.8335},"vehicle_type":"VAN"}`
	rec := httptest.NewRecorder()
	a.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/rides/estimate", strings.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("estimate: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCustomPriceTable(t *testing.T) {
	cfg := localConfig()
	cfg.PriceTable = "STANDARD:100:50,LUXURY:300:90,VAN:250:80"
	a, err := New(context.Background(), cfg, logging.Discard())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer a.Close()

	wps := []models.Coord{{Lat: 45.2551, Lon: 19.8451}, {Lat: 45.2671, Lon: 19.8335}}
	est, err := a.Lifecycle.Estimator.Estimate(context.Background(), wps, models.VehicleStandard)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if want := 100 + est.DistanceKm*50; math.Abs(est.Price-want) > 0.5 {
		t.Fatalf("expected price near %.2f, got %.2f", want, est.Price)
	}
}

func TestInvalidPriceTable(t *testing.T) {
	cfg := localConfig()
	cfg.PriceTable = "STANDARD:abc"
	if _, err := New(context.Background(), cfg, logging.Discard()); err == nil {
		t.Fatal("expected price table error")
	}
}
