// Copyright 2022 The accelerator Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package apis

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/accelerator/accelerator"
	"github.com/alwitt/accelerator/common"
	"github.com/alwitt/accelerator/subscription"
	"github.com/apex/log"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// ReadinessReporter reports whether a dependency is ready for use
type ReadinessReporter interface {
	// Ready whether the dependency is ready
	Ready() bool
}

// RelayHandler HTTP handler for the relay's client channel and health checks
type RelayHandler struct {
	APIRestHandler
	broker      ReadinessReporter
	registry    subscription.Registry
	submitter   accelerator.Submitter
	session     common.SessionConfig
	sweeper     *subscriptionSweeper
	upgrader    websocket.Upgrader
	runtimeCtxt context.Context
	wg          *sync.WaitGroup
}

// GetRelayHandler define RelayHandler
func GetRelayHandler(
	runtimeCtxt context.Context,
	broker ReadinessReporter,
	registry subscription.Registry,
	submitter accelerator.Submitter,
	httpConfig common.HTTPConfig,
	sessionConfig common.SessionConfig,
	wg *sync.WaitGroup,
) (RelayHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "relay",
	}
	if sessionConfig.MaxInflightRequests < 1 ||
		sessionConfig.OutboundBuffer < 1 ||
		sessionConfig.CleanupRetryInterval < 1 {
		return RelayHandler{}, fmt.Errorf("invalid session limits")
	}
	sweeper, err := newSubscriptionSweeper(
		runtimeCtxt,
		registry,
		time.Second*time.Duration(sessionConfig.CleanupRetryInterval),
		wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define subscription sweeper")
		return RelayHandler{}, err
	}
	return RelayHandler{
		APIRestHandler: newAPIRestHandler(logTags, httpConfig),
		broker:         broker,
		registry:       registry,
		submitter:      submitter,
		session:        sessionConfig,
		sweeper:        sweeper,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: time.Second * 10,
			// Clients connect from any origin
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		runtimeCtxt: runtimeCtxt,
		wg:          wg,
	}, nil
}

// =======================================================================
// Client channel

// Accelerator upgrade the request to a websocket session, and serve the session
// until either side closes it
func (h RelayHandler) Accelerator(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.logTagsForContext(r.Context())

	if !h.broker.Ready() {
		msg := "relay not ready"
		log.WithFields(localLogTags).Warn("Rejecting session, broker not connected")
		h.reply(
			w, r, http.StatusServiceUnavailable,
			h.getStdRESTErrorMsg(r.Context(), http.StatusServiceUnavailable, msg, msg),
			"Accelerator",
		)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already replied to the client
		log.WithError(err).WithFields(localLogTags).Error("Websocket upgrade failed")
		return
	}

	session, err := newRelaySession(
		h.runtimeCtxt, conn, r.URL.String(), h.registry, h.submitter, h.sweeper, h.session,
	)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Unable to define session")
		_ = conn.Close()
		return
	}

	h.wg.Add(1)
	defer h.wg.Done()
	session.serve()
}

// AcceleratorHandler Wrapper around Accelerator
func (h RelayHandler) AcceleratorHandler() http.HandlerFunc {
	return h.attachRequestID(h.Accelerator)
}

// =======================================================================
// Health Checks

// Alive will return success to indicate the relay is live
func (h RelayHandler) Alive(w http.ResponseWriter, r *http.Request) {
	h.reply(w, r, http.StatusOK, h.getStdRESTSuccessMsg(r.Context()), "Alive")
}

// AliveHandler Wrapper around Alive
func (h RelayHandler) AliveHandler() http.HandlerFunc {
	return h.attachRequestID(h.Alive)
}

// Ready will return success if the relay is connected to the broker
func (h RelayHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.broker.Ready() {
		h.reply(w, r, http.StatusOK, h.getStdRESTSuccessMsg(r.Context()), "Ready")
		return
	}
	msg := "not ready"
	h.reply(
		w, r, http.StatusServiceUnavailable,
		h.getStdRESTErrorMsg(r.Context(), http.StatusServiceUnavailable, msg, msg),
		"Ready",
	)
}

// ReadyHandler Wrapper around Ready
func (h RelayHandler) ReadyHandler() http.HandlerFunc {
	return h.attachRequestID(h.Ready)
}

// =======================================================================

// RegisterRelayRoutes install the relay endpoints under the path prefix
func RegisterRelayRoutes(parentRouter *mux.Router, pathPrefix string, h RelayHandler) *mux.Router {
	mainRouter := RegisterPathPrefix(parentRouter, pathPrefix, nil)

	// Client channel
	_ = RegisterPathPrefix(mainRouter, "/accelerator", MethodHandlers{
		"get": h.AcceleratorHandler(),
	})

	// Health check
	_ = RegisterPathPrefix(mainRouter, "/alive", MethodHandlers{
		"get": h.AliveHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/ready", MethodHandlers{
		"get": h.ReadyHandler(),
	})
	return mainRouter
}
