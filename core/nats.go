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

package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/accelerator/common"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
)

// NATSConnectParams NATS connection parameter
type NATSConnectParams struct {
	// ServerURI connect to NATS cluster with URI
	ServerURI string `validate:"required,uri"`
	// ConnectTimeout max time to wait for connection
	ConnectTimeout time.Duration
	// MaxReconnectAttempt on connection failure, max number of reconnect
	// attempt. "-1" means infinite
	MaxReconnectAttempt int
	// ReconnectWait wait duration between reconnect attempts
	ReconnectWait time.Duration
	// OnDisconnectCallback callback on disconnect
	OnDisconnectCallback func(*nats.Conn, error)
	// OnReconnectCallback callback on reconnect
	OnReconnectCallback func(*nats.Conn)
	// OnCloseCallback callback on close
	OnCloseCallback func(*nats.Conn)
}

// NatsClient NATS client used as the relay's message broker
//
// The connection is established in the background. Users must wait on
// WaitConnected before issuing any broker operation.
type NatsClient struct {
	common.Component
	nc            *nats.Conn
	connected     chan struct{}
	markConnected sync.Once
}

// Close close a NATS client
func (c *NatsClient) Close(ctxt context.Context) {
	if c.nc.IsConnected() {
		lclCtxt, cancel := context.WithTimeout(ctxt, time.Second*5)
		defer cancel()
		if err := c.nc.FlushWithContext(lclCtxt); err != nil {
			log.WithError(err).WithFields(c.LogTags).Errorf("NATS flush failed")
		}
	}
	c.nc.Close()
	log.WithFields(c.LogTags).Infof("Close NATS client")
}

// NATs fetch the NATS connection
func (c *NatsClient) NATs() *nats.Conn {
	return c.nc
}

// IsConnected whether the client is currently connected to the server
func (c *NatsClient) IsConnected() bool {
	return c.nc.Status() == nats.CONNECTED
}

// Connected returns a channel which is closed once the initial connection is established
func (c *NatsClient) Connected() <-chan struct{} {
	return c.connected
}

// WaitConnected block until the initial connection is established, or the context ends
func (c *NatsClient) WaitConnected(ctxt context.Context) error {
	select {
	case <-c.connected:
		return nil
	case <-ctxt.Done():
		return fmt.Errorf("NATS connection not established: %w", ctxt.Err())
	}
}

func (c *NatsClient) onConnected() {
	c.markConnected.Do(func() {
		log.WithFields(c.LogTags).Info("Connected to NATS server")
		close(c.connected)
	})
}

// GetNatsClient define a new NATS client core
//
// The initial connection is attempted in the background: an unreachable
// server is not an error here. Use WaitConnected to gate on the connection.
func GetNatsClient(param NATSConnectParams) (*NatsClient, error) {
	logTags := log.Fields{
		"module":    "core",
		"component": "nats-backend",
		"instance":  param.ServerURI,
	}
	client := &NatsClient{
		Component: common.Component{LogTags: logTags},
		connected: make(chan struct{}),
	}
	// Create the NATS transport
	nc, err := nats.Connect(
		param.ServerURI,
		nats.Timeout(param.ConnectTimeout),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(param.MaxReconnectAttempt),
		nats.ReconnectWait(param.ReconnectWait),
		nats.ConnectHandler(func(_ *nats.Conn) { client.onConnected() }),
		nats.DisconnectErrHandler(param.OnDisconnectCallback),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			// A retried initial connect may be reported as a reconnect
			client.onConnected()
			if param.OnReconnectCallback != nil {
				param.OnReconnectCallback(conn)
			}
		}),
		nats.ClosedHandler(param.OnCloseCallback),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			if sub != nil {
				log.WithError(err).WithFields(logTags).Errorf("Async error on %s", sub.Subject)
			} else {
				log.WithError(err).WithFields(logTags).Error("Async error")
			}
		}),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("NATS client connect failed")
		return nil, err
	}
	client.nc = nc
	if nc.IsConnected() {
		client.onConnected()
	} else {
		log.WithFields(logTags).Warn("NATS server not reachable yet, connecting in background")
	}
	return client, nil
}
