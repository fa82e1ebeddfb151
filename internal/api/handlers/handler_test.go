package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/langchou/smartgazer/internal/api/smartcar"
	"github.com/langchou/smartgazer/internal/models"
	"github.com/langchou/smartgazer/internal/repository"
	"github.com/langchou/smartgazer/internal/service"
	"github.com/langchou/smartgazer/internal/state"
	"github.com/langchou/smartgazer/internal/webhook"
	"github.com/langchou/smartgazer/pkg/ws"
)

type stubUpstream struct {
	token      *smartcar.Token
	vehicleIDs []string
	location   *smartcar.Location
	err        error
}

func (s *stubUpstream) ExchangeCode(context.Context, string) (*smartcar.Token, error) {
	return s.token, s.err
}

func (s *stubUpstream) RefreshToken(context.Context, string) (*smartcar.Token, error) {
	return nil, errors.New("refresh not expected")
}

func (s *stubUpstream) GetVehicleIDs(context.Context, string) ([]string, error) {
	return s.vehicleIDs, nil
}

func (s *stubUpstream) VehicleInfo(_ context.Context, _, id string) (*smartcar.VehicleInfo, error) {
	return &smartcar.VehicleInfo{ID: id, Make: "TESLA", Model: "Model 3", Year: 2020}, nil
}

func (s *stubUpstream) VehicleLocation(context.Context, string, string) (*smartcar.Location, error) {
	return s.location, s.err
}

func (s *stubUpstream) VehicleOdometer(context.Context, string, string) (*smartcar.Odometer, error) {
	return nil, s.err
}

type stubAuth struct{}

func (stubAuth) AuthURL(state string) string {
	return "https://connect.example.com/oauth/authorize?state=" + url.QueryEscape(state)
}

type testServer struct {
	router   *gin.Engine
	store    *repository.MemoryStore
	upstream *stubUpstream
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	return newTestServerWithSecret(t, "shh")
}

func newTestServerWithSecret(t *testing.T, secret string) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := zap.NewNop()
	store := repository.NewMemoryStore(100, "default_user")
	upstream := &stubUpstream{}
	machines := state.NewManager(nil)
	hub := ws.NewHub(logger)

	tokens := service.NewTokenManager(logger, store, upstream, machines, nil, 5*time.Minute)
	h := NewHandler(logger, Dependencies{
		Ingest:       service.NewIngestService(logger, store, store, webhook.NewVerifier(secret), hub, nil, "default_user"),
		Tokens:       tokens,
		Resolver:     service.NewResolver(logger, store, store, tokens, upstream, nil),
		Admin:        service.NewAdminService(logger, store, store, machines),
		Vehicles:     store,
		Auth:         stubAuth{},
		Hub:          hub,
		Machines:     machines,
		StoreMode:    "memory",
		BreakerState: func() string { return "closed" },
	})

	r := gin.New()
	h.RegisterRoutes(r)
	return &testServer{router: r, store: store, upstream: upstream}
}

func (s *testServer) do(t *testing.T, method, target, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var resp map[string]any
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w, resp
}

func (s *testServer) seedCredential(t *testing.T, vehicleID, userID string) {
	t.Helper()
	ctx := context.Background()
	_, _, err := s.store.UpsertVehicle(ctx, models.VehicleAttributes{SmartcarID: vehicleID}, userID)
	require.NoError(t, err)
	require.NoError(t, s.store.SaveCredential(ctx, vehicleID, models.Credential{
		AccessToken:  "access",
		RefreshToken: "refresh",
		ExpiresAt:    time.Now().Add(time.Hour),
	}))
}

const statePayload = `{
  "eventType": "VEHICLE_STATE",
  "data": {
    "user": {"id": "u1"},
    "vehicle": {"id": "V1", "make": "Tesla", "model": "Model 3", "year": 2020},
    "signals": [
      {"code": "tractionbattery-stateofcharge", "body": {"value": 85}, "meta": {"oemUpdatedAt": "2025-06-01T11:55:00Z"}},
      {"code": "tractionbattery-nominalcapacity", "body": {"availableCapacities": [{"capacity": 55}, {"capacity": 75}]}},
      {"code": "charge-chargelimits", "body": {"values": {"activeLimit": 90, "values": [{"type": "global", "limit": 90}]}}},
      {"code": "location-preciselocation", "body": {"latitude": 37.7749, "longitude": -122.4194, "heading": 315.5}}
    ]
  },
  "meta": {"deliveredAt": "2025-06-01T11:56:00Z"}
}`

func TestWebhook(t *testing.T) {
	s := newTestServer(t)

	t.Run("verification", func(t *testing.T) {
		w, resp := s.do(t, http.MethodPost, "/webhook", `{"eventName": "verify", "payload": {"challenge": "abc123"}}`)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "2706c9eeb939cc23eb7120c401fed745f11628d889307ab125ad156b861deca5", resp["challenge"])
	})

	t.Run("signal array", func(t *testing.T) {
		w, resp := s.do(t, http.MethodPost, "/webhook", statePayload)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "success", resp["status"])
		assert.Equal(t, "stored 4 events", resp["message"])
	})

	t.Run("malformed", func(t *testing.T) {
		w, resp := s.do(t, http.MethodPost, "/webhook", `{"eventType": `)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "error", resp["status"])
	})

	t.Run("unknown shape", func(t *testing.T) {
		w, resp := s.do(t, http.MethodPost, "/webhook", `{"foo": "bar"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "error", resp["status"])
		assert.Contains(t, resp["message"], "unsupported")
	})

	t.Run("verification without challenge", func(t *testing.T) {
		w, resp := s.do(t, http.MethodPost, "/webhook", `{"eventName": "verify", "webhookId": "wh-1", "payload": {}}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "error", resp["status"])
		assert.Contains(t, resp["message"], "challenge")
	})

	t.Run("verification without secret", func(t *testing.T) {
		unconfigured := newTestServerWithSecret(t, "")
		w, resp := unconfigured.do(t, http.MethodPost, "/webhook", `{"eventName": "verify", "payload": {"challenge": "abc123"}}`)
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Equal(t, "webhook verification is not configured", resp["message"])
	})

	t.Run("oversized body", func(t *testing.T) {
		body := `{"vehicleId": "V1", "eventType": "odometer-traveleddistance", "data": {"pad": "` +
			strings.Repeat("x", maxWebhookBody) + `"}}`
		w, resp := s.do(t, http.MethodPost, "/webhook", body)
		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
		assert.Equal(t, "payload too large", resp["message"])
	})
}

func TestSignalReads(t *testing.T) {
	s := newTestServer(t)
	w, _ := s.do(t, http.MethodPost, "/webhook", statePayload)
	require.Equal(t, http.StatusOK, w.Code)

	t.Run("state of charge from cache", func(t *testing.T) {
		for _, target := range []string{"/api/vehicle/V1/state-of-charge", "/api/user/u1/vehicle/V1/state-of-charge"} {
			w, resp := s.do(t, http.MethodGet, target, "")
			require.Equal(t, http.StatusOK, w.Code, target)
			assert.Equal(t, 85.0, resp["state_of_charge"])
			assert.Equal(t, "cache", resp["source"])
			assert.Equal(t, "V1", resp["vehicle_id"])
			assert.Equal(t, "2025-06-01T11:55:00Z", resp["timestamp"])
		}
	})

	t.Run("nominal capacity uses first listed capacity", func(t *testing.T) {
		_, resp := s.do(t, http.MethodGet, "/api/vehicle/V1/nominal-capacity", "")
		assert.Equal(t, 55.0, resp["nominal_capacity"])
	})

	t.Run("charge limits", func(t *testing.T) {
		_, resp := s.do(t, http.MethodGet, "/api/vehicle/V1/charge-limits", "")
		assert.Equal(t, 90.0, resp["charge_limit"])
		limits, ok := resp["charge_limits"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, 90.0, limits["activeLimit"])
	})

	t.Run("location", func(t *testing.T) {
		_, resp := s.do(t, http.MethodGet, "/api/vehicle/V1/location", "")
		loc, ok := resp["location"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, 37.7749, loc["latitude"])
		assert.Equal(t, 315.5, loc["heading"])
	})

	t.Run("battery", func(t *testing.T) {
		w, resp := s.do(t, http.MethodGet, "/api/user/u1/vehicle/V1/battery", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, 85.0, resp["state_of_charge"])
		assert.Equal(t, 55.0, resp["nominal_capacity"])
		assert.Equal(t, "u1", resp["user_id"])
	})

	t.Run("latest signals and history", func(t *testing.T) {
		_, resp := s.do(t, http.MethodGet, "/api/vehicle/V1/latest-signals", "")
		signals, ok := resp["signals"].(map[string]any)
		require.True(t, ok)
		assert.Len(t, signals, 4)
		assert.Contains(t, signals, "state_of_charge")

		_, resp = s.do(t, http.MethodGet, "/api/vehicle/V1/all", "")
		assert.Equal(t, 4.0, resp["total"])
	})

	t.Run("odometer without cache or credential", func(t *testing.T) {
		w, resp := s.do(t, http.MethodGet, "/api/vehicle/V1/odometer", "")
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, "no data found", resp["error"])
	})

	t.Run("other user's vehicle", func(t *testing.T) {
		w, _ := s.do(t, http.MethodGet, "/api/user/u2/vehicle/V1/state-of-charge", "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("vehicle lists", func(t *testing.T) {
		_, resp := s.do(t, http.MethodGet, "/api/vehicles", "")
		assert.Len(t, resp["vehicles"], 1)

		_, resp = s.do(t, http.MethodGet, "/api/user/u1/vehicles", "")
		assert.Len(t, resp["vehicles"], 1)

		_, resp = s.do(t, http.MethodGet, "/api/user/nobody/vehicles", "")
		assert.Empty(t, resp["vehicles"])
	})
}

func TestLiveReadErrors(t *testing.T) {
	s := newTestServer(t)
	s.seedCredential(t, "V2", "u1")

	t.Run("live location", func(t *testing.T) {
		s.upstream.location = &smartcar.Location{Latitude: 1.5, Longitude: 2.5}
		w, resp := s.do(t, http.MethodGet, "/api/vehicle/V2/location", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "live", resp["source"])
	})

	t.Run("rate limited", func(t *testing.T) {
		s.upstream.err = smartcar.ErrRateLimited
		w, resp := s.do(t, http.MethodGet, "/api/vehicle/V2/odometer", "")
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Equal(t, "later", resp["retry"])
		assert.Empty(t, w.Header().Get("Retry-After"))
	})

	t.Run("rate limited with retry after", func(t *testing.T) {
		s.upstream.err = &smartcar.StatusError{StatusCode: http.StatusTooManyRequests, RetryAfter: 30 * time.Second}
		w, _ := s.do(t, http.MethodGet, "/api/vehicle/V2/odometer", "")
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Equal(t, "30", w.Header().Get("Retry-After"))
	})

	t.Run("breaker open", func(t *testing.T) {
		s.upstream.err = smartcar.ErrUpstreamUnavailable
		w, _ := s.do(t, http.MethodGet, "/api/vehicle/V2/location", "")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})

	t.Run("unauthorized invalidates credential", func(t *testing.T) {
		s.upstream.err = smartcar.ErrUnauthorized
		w, resp := s.do(t, http.MethodGet, "/api/vehicle/V2/odometer", "")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, true, resp["reauth"])

		s.upstream.err = nil
		s.upstream.location = &smartcar.Location{Latitude: 1.5, Longitude: 2.5}
		w, resp = s.do(t, http.MethodGet, "/api/vehicle/V2/location", "")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, true, resp["reauth"])
	})
}

func TestHealthStoreDown(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewHandler(zap.NewNop(), Dependencies{
		StoreMode: "postgres",
		StorePing: func(context.Context) error { return errors.New("connection refused") },
	})
	r := gin.New()
	r.GET("/health", h.HealthCheck)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp["status"])
	assert.Equal(t, "connection refused", resp["store_error"])
}

func TestOAuth(t *testing.T) {
	s := newTestServer(t)

	t.Run("login with user id", func(t *testing.T) {
		w, _ := s.do(t, http.MethodGet, "/login?user_id=u1", "")
		assert.Equal(t, http.StatusFound, w.Code)
		assert.Contains(t, w.Header().Get("Location"), "state=u1")
	})

	t.Run("login generates user id", func(t *testing.T) {
		w, _ := s.do(t, http.MethodGet, "/login", "")
		require.Equal(t, http.StatusFound, w.Code)
		loc, err := url.Parse(w.Header().Get("Location"))
		require.NoError(t, err)
		assert.Len(t, loc.Query().Get("state"), 36)
	})

	t.Run("exchange", func(t *testing.T) {
		s.upstream.token = &smartcar.Token{AccessToken: "a", RefreshToken: "r", ExpiresAt: time.Now().Add(time.Hour)}
		s.upstream.vehicleIDs = []string{"V7"}

		w, resp := s.do(t, http.MethodGet, "/exchange?code=abc&state=u9", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "u9", resp["user_id"])
		assert.Len(t, resp["vehicles"], 1)

		v, err := s.store.GetVehicle(context.Background(), "V7")
		require.NoError(t, err)
		assert.Equal(t, "u9", v.UserID)
		assert.Equal(t, "TESLA", v.Make)
	})

	t.Run("exchange without code", func(t *testing.T) {
		w, _ := s.do(t, http.MethodGet, "/exchange", "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("exchange denied", func(t *testing.T) {
		w, resp := s.do(t, http.MethodGet, "/exchange?error=access_denied", "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "access_denied", resp["error"])
	})

	t.Run("exchange rejected upstream", func(t *testing.T) {
		s.upstream.err = smartcar.ErrUnauthorized
		w, _ := s.do(t, http.MethodGet, "/exchange?code=bad&state=u1", "")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		s.upstream.err = nil
	})
}

func TestAdminAndHealth(t *testing.T) {
	s := newTestServer(t)
	w, _ := s.do(t, http.MethodPost, "/webhook", statePayload)
	require.Equal(t, http.StatusOK, w.Code)

	_, resp := s.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, "memory", resp["store"])
	assert.Equal(t, 0.0, resp["ws_clients"])
	assert.Equal(t, "closed", resp["upstream_breaker"])

	_, resp = s.do(t, http.MethodGet, "/admin/dump", "")
	assert.Len(t, resp["events"], 4)

	w, resp = s.do(t, http.MethodPost, "/admin/clear-events", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 4.0, resp["deleted"])

	w, _ = s.do(t, http.MethodGet, "/api/vehicle/V1/state-of-charge", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = s.do(t, http.MethodPost, "/admin/clear-all", "")
	require.Equal(t, http.StatusOK, w.Code)

	_, resp = s.do(t, http.MethodGet, "/api/vehicles", "")
	assert.Empty(t, resp["vehicles"])
}
