package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/actuation/iot/connector"
)

type fakeDispatcher struct {
	executors []string
}

func (d fakeDispatcher) Executors() []string { return d.executors }

func (d fakeDispatcher) Pending() map[string]int {
	result := map[string]int{}
	for _, e := range d.executors {
		result[e] = 0
	}
	return result
}

type fakeConnector struct{}

func (fakeConnector) State() connector.State { return connector.Connected }

func TestHealth(t *testing.T) {
	router := mux.NewRouter()
	handleHealth(router, fakeDispatcher{executors: []string{"log", "pubsub"}}, fakeConnector{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/actuation/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var health Health
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, []string{"log", "pubsub"}, health.Executors)
	assert.Equal(t, "connected", health.PubSub)
	assert.Contains(t, health.Pending, "log")
}

func TestHealthWithoutExecutors(t *testing.T) {
	router := mux.NewRouter()
	handleHealth(router, fakeDispatcher{}, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/actuation/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var health Health
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "none", health.PubSub)
}
