package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-edge/modbus-bridge/internal/adapter/modbus"
	"github.com/nexus-edge/modbus-bridge/internal/api"
	"github.com/nexus-edge/modbus-bridge/internal/cache"
	"github.com/nexus-edge/modbus-bridge/internal/db"
	"github.com/nexus-edge/modbus-bridge/internal/domain"
	"github.com/nexus-edge/modbus-bridge/internal/health"
	"github.com/nexus-edge/modbus-bridge/internal/metrics"
	"github.com/nexus-edge/modbus-bridge/internal/service"
)

type testEnv struct {
	server  *api.Server
	store   *db.Store
	manager *modbus.Manager
	cache   *cache.RegisterCache
}

func newTestEnv(t *testing.T, configs ...domain.DeviceConfig) *testEnv {
	t.Helper()
	logger := zerolog.Nop()

	store, err := db.Open("file:"+t.TempDir()+"/bridge.db", false, logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	collector := metrics.NewCollector(nil)
	manager := modbus.NewManager(configs, modbus.DefaultBreakerConfig(), logger, collector)
	t.Cleanup(manager.Close)

	registerCache := cache.New(time.Minute, logger)
	pipeline := service.NewPipeline(manager, registerCache, collector, time.Second, logger)

	checker := health.NewChecker(health.Config{ServiceName: "modbus-bridge", ServiceVersion: "test"})
	checker.AddCheck("database", store)
	checker.AddCheck("modbus", manager)

	server := api.NewServer(pipeline, manager, store, registerCache, collector, nil, checker, logger)
	return &testEnv{server: server, store: store, manager: manager, cache: registerCache}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, req)
	return rec
}

func deviceBody(id string) map[string]interface{} {
	return map[string]interface{}{
		"device_id": id,
		"host":      "10.0.0.5",
		"port":      5020,
		"slave_id":  1,
		"framer":    "SOCKET",
	}
}

func TestServer_Health(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var body health.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Status)
	assert.Contains(t, body.Checks, "database")
	assert.Contains(t, body.Checks, "modbus")
}

func TestServer_ListDevicesAndGateways(t *testing.T) {
	cfg := domain.DefaultDeviceConfig()
	cfg.DeviceID = "d1"
	cfg.Host = "h1"
	cfg.Port = 5020
	cfg.SlaveID = 3
	env := newTestEnv(t, cfg)

	rec := env.do(t, http.MethodGet, "/api/devices", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var devices []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &devices))
	require.Len(t, devices, 1)
	assert.Equal(t, "d1", devices[0]["device_id"])
	assert.Equal(t, "h1:5020", devices[0]["gateway"])

	// No gateway exists until the first operation touches it.
	rec = env.do(t, http.MethodGet, "/api/devices/gateways", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestServer_ReadValidation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		path string
		want int
	}{
		{name: "missing address", path: "/api/devices/d1/registers?count=1", want: http.StatusBadRequest},
		{name: "count zero", path: "/api/devices/d1/registers?address=0&count=0", want: http.StatusBadRequest},
		{name: "count too high", path: "/api/devices/d1/registers?address=0&count=126", want: http.StatusBadRequest},
		{name: "bad register type", path: "/api/devices/d1/registers?address=0&count=1&register_type=analog", want: http.StatusBadRequest},
		{name: "bad source", path: "/api/devices/d1/registers?address=0&count=1&source=db", want: http.StatusBadRequest},
		{name: "unknown device", path: "/api/devices/d1/registers?address=0&count=1", want: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, tt.path, nil)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())

			var body map[string]interface{}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.NotEmpty(t, body["error"])
			assert.NotEmpty(t, body["detail"])
		})
	}
}

func TestServer_ReadFromCache(t *testing.T) {
	cfg := domain.DefaultDeviceConfig()
	cfg.DeviceID = "d1"
	cfg.Host = "h1"
	cfg.Port = 5020
	cfg.SlaveID = 1
	env := newTestEnv(t, cfg)

	// Seed the cache the way the poller would.
	env.cache.Set("d1", domain.RegisterHolding, 0, 5, []int{1, 2, 3, 4, 5})

	rec := env.do(t, http.MethodGet, "/api/devices/d1/registers?address=0&count=5&source=cache", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body service.ReadResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "cache", body.Source)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, body.Values)
	require.NotNil(t, body.CachedAt)
	assert.WithinDuration(t, time.Now(), *body.CachedAt, 5*time.Second)
}

func TestServer_WriteValidation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/devices/d1/registers/write",
		map[string]interface{}{"address": 0, "value": 1, "register_type": "input"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/devices/d1/registers/write",
		map[string]interface{}{"value": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/devices/d1/registers/write",
		map[string]interface{}{"address": 0, "value": 1, "register_type": "holding"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_AdminDeviceLifecycle(t *testing.T) {
	env := newTestEnv(t)

	// Create.
	rec := env.do(t, http.MethodPost, "/api/admin/devices", deviceBody("d1"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// Duplicate → 409.
	rec = env.do(t, http.MethodPost, "/api/admin/devices", deviceBody("d1"))
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Invalid slave id → 400.
	bad := deviceBody("d2")
	bad["slave_id"] = 248
	rec = env.do(t, http.MethodPost, "/api/admin/devices", bad)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Explicit max_retries 0 survives, distinct from the default 5.
	zeroRetries := deviceBody("d3")
	zeroRetries["max_retries"] = 0
	rec = env.do(t, http.MethodPost, "/api/admin/devices", zeroRetries)
	require.Equal(t, http.StatusCreated, rec.Code)
	var d3 db.Device
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d3))
	assert.Equal(t, 0, d3.MaxRetries)

	// Get.
	rec = env.do(t, http.MethodGet, "/api/admin/devices/d1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Update.
	rec = env.do(t, http.MethodPut, "/api/admin/devices/d1", map[string]interface{}{"port": 5021})
	require.Equal(t, http.StatusOK, rec.Code)
	var updated db.Device
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.Equal(t, 5021, updated.Port)

	// Soft delete.
	rec = env.do(t, http.MethodDelete, "/api/admin/devices/d1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/admin/devices/d1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var device db.Device
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &device))
	assert.False(t, device.IsActive)

	// Activate.
	rec = env.do(t, http.MethodPost, "/api/admin/devices/d1/activate", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Unknown device → 404.
	rec = env.do(t, http.MethodDelete, "/api/admin/devices/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_AdminReloadSwapsManager(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/admin/devices", deviceBody("d1"))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/admin/devices/reload", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	devices := env.manager.Devices()
	require.Len(t, devices, 1)
	assert.Equal(t, "d1", devices[0].DeviceID)

	// Soft delete plus reload drops the device from the manager.
	env.do(t, http.MethodDelete, "/api/admin/devices/d1", nil)
	rec = env.do(t, http.MethodPost, "/api/admin/devices/reload", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, env.manager.Devices())
}

func TestServer_AdminPollingLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/admin/devices", deviceBody("d1"))

	// Unknown device → 404.
	rec := env.do(t, http.MethodPost, "/api/admin/polling",
		map[string]interface{}{"device_id": "ghost", "register_type": "holding", "address": 0, "count": 5})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Bad register type → 400.
	rec = env.do(t, http.MethodPost, "/api/admin/polling",
		map[string]interface{}{"device_id": "d1", "register_type": "analog", "address": 0, "count": 5})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Explicit count 0 → 400; count 125 accepted; 126 → 400.
	rec = env.do(t, http.MethodPost, "/api/admin/polling",
		map[string]interface{}{"device_id": "d1", "register_type": "holding", "address": 0, "count": 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, http.MethodPost, "/api/admin/polling",
		map[string]interface{}{"device_id": "d1", "register_type": "holding", "address": 50, "count": 125})
	assert.Equal(t, http.StatusCreated, rec.Code)
	rec = env.do(t, http.MethodPost, "/api/admin/polling",
		map[string]interface{}{"device_id": "d1", "register_type": "holding", "address": 50, "count": 126})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Create.
	rec = env.do(t, http.MethodPost, "/api/admin/polling",
		map[string]interface{}{"device_id": "d1", "register_type": "holding", "address": 0, "count": 5})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var target db.PollingTarget
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &target))
	require.NotZero(t, target.ID)

	// Lists.
	rec = env.do(t, http.MethodGet, "/api/admin/polling", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, http.MethodGet, "/api/admin/polling/active", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, http.MethodGet, "/api/admin/polling/device/d1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Update, delete, activate.
	path := fmt.Sprintf("/api/admin/polling/%d", target.ID)
	rec = env.do(t, http.MethodPut, path, map[string]interface{}{"count": 10})
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = env.do(t, http.MethodPost, path+"/activate", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/admin/polling/9999", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_CacheEndpoints(t *testing.T) {
	env := newTestEnv(t)
	env.cache.Set("d1", domain.RegisterHolding, 0, 2, []int{1, 2})
	env.cache.Set("d2", domain.RegisterCoil, 3, 1, []int{1})

	rec := env.do(t, http.MethodGet, "/api/admin/cache", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listing map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	assert.EqualValues(t, 2, listing["count"])

	rec = env.do(t, http.MethodGet, "/api/admin/cache/device/d1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	assert.EqualValues(t, 1, listing["count"])

	rec = env.do(t, http.MethodGet, "/api/admin/cache/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats cache.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 2, stats.Entries)

	rec = env.do(t, http.MethodDelete, "/api/admin/cache", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, env.cache.Keys())
}

func TestServer_MetricsEndpoints(t *testing.T) {
	env := newTestEnv(t)

	// Exercise the pipeline path with a live read of an unknown device;
	// it fails with NotFound before any counter is recorded.
	env.do(t, http.MethodGet, "/api/devices/ghost/registers?address=0&count=1", nil)

	rec := env.do(t, http.MethodGet, "/api/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var snap metrics.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))

	rec = env.do(t, http.MethodPost, "/api/metrics/reset", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/metrics", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Zero(t, snap.Modbus.Reads)
}

func TestServer_HealthWithClosedStore(t *testing.T) {
	logger := zerolog.Nop()
	store, err := db.Open("file:"+t.TempDir()+"/bridge.db", false, logger)
	require.NoError(t, err)

	checker := health.NewChecker(health.Config{ServiceName: "modbus-bridge", ServiceVersion: "test"})
	checker.AddCheck("database", store)

	store.Close()
	resp := checker.Check(context.Background())
	assert.Equal(t, "degraded", resp.Status)
}
