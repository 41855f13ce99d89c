package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/waste-balance-engine/balance"
	"github.com/warp/waste-balance-engine/config"
	"github.com/warp/waste-balance-engine/events"
	"github.com/warp/waste-balance-engine/fieldmap"
	"github.com/warp/waste-balance-engine/lock"
	"github.com/warp/waste-balance-engine/store/sqlite"
)

type testEnv struct {
	store   *sqlite.Store
	events  *events.Memory
	locker  *lock.Memory
	handler *Handler
	router  http.Handler
}

func setupTestHandler(t *testing.T) *testEnv {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	published := events.NewMemory()
	svc := &balance.Service{
		Gateway:        store,
		Records:        store,
		Accreditations: store,
		Templates:      fieldmap.Default(),
		Publisher:      published,
		Logger:         zerolog.Nop(),
	}
	sweeper := &balance.Sweeper{Gateway: store, Logger: zerolog.Nop(), Concurrency: 2}
	locker := lock.NewMemory()
	scheduler := NewRoundingScheduler(sweeper, locker, store, config.RoundingDisabled)

	h := NewHandler(svc, store, scheduler)
	return &testEnv{
		store:   store,
		events:  published,
		locker:  locker,
		handler: h,
		router:  NewRouter(h, nil),
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func assertTonnage(t *testing.T, want string, got balance.Tonnage) {
	t.Helper()
	assert.True(t, balance.MustParseTonnage(want).Equal(got), "want %s, got %s", want, got)
}
