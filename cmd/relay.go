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

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/accelerator/accelerator"
	"github.com/alwitt/accelerator/apis"
	"github.com/alwitt/accelerator/broker"
	"github.com/alwitt/accelerator/chain"
	"github.com/alwitt/accelerator/common"
	"github.com/alwitt/accelerator/core"
	"github.com/alwitt/accelerator/subscription"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// statsInterval interval between registry stats reports
const statsInterval = time.Minute

// RunRelayServer run the relay server
//
// Returns an error if the broker connection is not established within the
// configured connect timeout.
func RunRelayServer(
	runTimeContext context.Context,
	config common.SystemConfig,
	instance string,
	natsClient *core.NatsClient,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "relay",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(&config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid config")
		return err
	}

	gateway, err := broker.GetNATSGateway(runTimeContext, natsClient, config.Broker, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define broker gateway")
		return err
	}

	// No sessions are accepted before the broker is reachable
	{
		connectCtxt, cancel := context.WithTimeout(
			runTimeContext, time.Second*time.Duration(config.NATS.ConnectTimeout),
		)
		defer cancel()
		if err := natsClient.WaitConnected(connectCtxt); err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Broker %s unreachable", config.NATS.ServerURI,
			)
			return err
		}
	}

	registry, err := subscription.GetRegistry(gateway, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define subscription registry")
		return err
	}
	if err := gateway.Consume(registry.Dispatch, wg); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to start broker consume loop")
		return err
	}

	resolver, err := chain.GetRPCResolver(config.Solana)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define cluster clients")
		return err
	}
	submitter, err := accelerator.GetSubmitter(
		resolver, gateway, config.Solana.Simulation, instance,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define transaction submitter")
		return err
	}

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()
	httpHandler, err := apis.GetRelayHandler(
		localCtxt,
		gateway,
		registry,
		submitter,
		config.Relay.HTTPSetting,
		config.Relay.Session,
		wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define HTTP handler")
		return err
	}

	// Periodic registry report
	statsTimer, err := common.GetIntervalTimerInstance("relay-stats", localCtxt, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define stats timer")
		return err
	}
	if err := statsTimer.Start(statsInterval, func() error {
		log.WithFields(logTags).Infof(
			"Active subscriptions %d on %d topics",
			registry.SubscriptionCount(),
			registry.TopicCount(),
		)
		return nil
	}, false); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to start stats timer")
		return err
	}
	defer func() {
		_ = statsTimer.Stop()
	}()

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := mux.NewRouter()
	_ = apis.RegisterRelayRoutes(router, config.Relay.Endpoints.PathPrefix, httpHandler)

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(httpHandler, next)
	})

	serverCfg := config.Relay.HTTPSetting.Server
	serverListen := fmt.Sprintf("%s:%d", serverCfg.ListenOn, serverCfg.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Second * time.Duration(serverCfg.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(serverCfg.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(serverCfg.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runTimeContext.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}
