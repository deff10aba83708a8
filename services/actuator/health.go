package main

import (
	"net/http"

	"github.com/goccy/go-json"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/actuation/core/logger"
	"github.com/relabs-tech/actuation/iot/connector"
)

type dispatcherStatus interface {
	Executors() []string
	Pending() map[string]int
}

type connectorStatus interface {
	State() connector.State
}

// Health is the response of the health route
type Health struct {
	Executors []string       `json:"executors"`
	Pending   map[string]int `json:"pending"`
	PubSub    string         `json:"pubsub"`
}

// handleHealth installs the route GET /actuation/health. pubsub may be nil.
func handleHealth(router *mux.Router, dispatcher dispatcherStatus, pubsub connectorStatus) {
	logger.Default().Debugln("  handle route: /actuation/health GET")
	router.Handle("/actuation/health", handlers.CompressHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := Health{
			Executors: dispatcher.Executors(),
			Pending:   dispatcher.Pending(),
			PubSub:    "none",
		}
		if pubsub != nil {
			health.PubSub = pubsub.State().String()
		}
		status := http.StatusOK
		if len(health.Executors) == 0 {
			status = http.StatusServiceUnavailable
		}
		jsonData, _ := json.Marshal(health)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write(jsonData)
	}))).Methods(http.MethodGet)
}
