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
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/alwitt/accelerator/accelerator"
	"github.com/alwitt/accelerator/broker"
	"github.com/alwitt/accelerator/common"
	"github.com/alwitt/accelerator/protocol"
	"github.com/alwitt/accelerator/subscription"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/semaphore"
)

// writeWait max time to write one frame to the client
const writeWait = time.Second * 10

// outboundFrame one text frame to send to the client
type outboundFrame struct {
	payload []byte
}

// pingFrame keepalive ping
type pingFrame struct{}

// relaySession one client connection
//
// Inbound messages are processed concurrently. All writes to the connection go
// through the writer event loop.
type relaySession struct {
	common.Component
	id        string
	uri       string
	conn      *websocket.Conn
	registry  subscription.Registry
	submitter accelerator.Submitter
	sweeper   *subscriptionSweeper
	config    common.SessionConfig
	keepAlive time.Duration

	// runtimeCtxt server lifetime. Submissions run under it.
	runtimeCtxt context.Context
	// sessionCtxt session lifetime
	sessionCtxt context.Context
	cancel      context.CancelFunc

	writer    common.TaskProcessor
	pinger    common.IntervalTimer
	inflight  *semaphore.Weighted
	workers   sync.WaitGroup
	loops     sync.WaitGroup
	lock      sync.Mutex
	closed    bool
	ownedSubs map[string]broker.Topic
}

// newRelaySession define a session on an upgraded connection
func newRelaySession(
	runtimeCtxt context.Context,
	conn *websocket.Conn,
	uri string,
	registry subscription.Registry,
	submitter accelerator.Submitter,
	sweeper *subscriptionSweeper,
	config common.SessionConfig,
) (*relaySession, error) {
	sessionID := uuid.New().String()
	logTags := log.Fields{
		"module":    "apis",
		"component": "session",
		"instance":  sessionID,
		"remote":    conn.RemoteAddr().String(),
	}
	sessionCtxt, cancel := context.WithCancel(runtimeCtxt)
	session := &relaySession{
		Component:   common.Component{LogTags: logTags},
		id:          sessionID,
		uri:         uri,
		conn:        conn,
		registry:    registry,
		submitter:   submitter,
		sweeper:     sweeper,
		config:      config,
		keepAlive:   time.Second * time.Duration(config.KeepAliveInterval),
		runtimeCtxt: runtimeCtxt,
		sessionCtxt: sessionCtxt,
		cancel:      cancel,
		inflight:    semaphore.NewWeighted(config.MaxInflightRequests),
		ownedSubs:   make(map[string]broker.Topic),
	}

	writer, err := common.GetNewTaskProcessorInstance(
		fmt.Sprintf("session-%s-writer", sessionID), config.OutboundBuffer, sessionCtxt,
	)
	if err != nil {
		cancel()
		return nil, err
	}
	if err := writer.SetTaskExecutionMap(map[reflect.Type]common.TaskHandler{
		reflect.TypeOf(outboundFrame{}): session.writeFrame,
		reflect.TypeOf(pingFrame{}):     session.writePing,
	}); err != nil {
		cancel()
		return nil, err
	}
	session.writer = writer

	pinger, err := common.GetIntervalTimerInstance(
		fmt.Sprintf("session-%s-keepalive", sessionID), sessionCtxt, &session.loops,
	)
	if err != nil {
		cancel()
		return nil, err
	}
	session.pinger = pinger
	return session, nil
}

// ========================================================================================
// Outbound

func (s *relaySession) writeFrame(param interface{}) error {
	frame, ok := param.(outboundFrame)
	if !ok {
		return fmt.Errorf("unexpected frame type %s", reflect.TypeOf(param))
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, frame.payload); err != nil {
		// Unblocks the read loop, which then closes the session
		_ = s.conn.Close()
		return err
	}
	return nil
}

func (s *relaySession) writePing(_ interface{}) error {
	if err := s.conn.WriteControl(
		websocket.PingMessage, nil, time.Now().Add(writeWait),
	); err != nil {
		_ = s.conn.Close()
		return err
	}
	return nil
}

// send queue a response to the client
func (s *relaySession) send(ctxt context.Context, msg interface{}) {
	localLogTags, _ := common.UpdateLogTags(ctxt, s.LogTags)
	payload, err := json.Marshal(msg)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Unable to serialize response")
		return
	}
	if err := s.writer.Submit(s.sessionCtxt, outboundFrame{payload: payload}); err != nil {
		log.WithError(err).WithFields(localLogTags).Debug("Response not sent, session closing")
	}
}

// Deliver hand a broker message to the client. Never blocks: the message is dropped
// if the outbound buffer is full.
func (s *relaySession) Deliver(topic broker.Topic, payload []byte) error {
	if s.sessionCtxt.Err() != nil {
		return fmt.Errorf("session %s closed, dropped message on '%s'", s.id, topic)
	}
	if err := s.writer.TrySubmit(outboundFrame{payload: payload}); err != nil {
		return fmt.Errorf("session %s dropped message on '%s': %w", s.id, topic, err)
	}
	return nil
}

// ========================================================================================
// Inbound

// requestContext define the context of one request
func (s *relaySession) requestContext(parent context.Context, requestType string) context.Context {
	return context.WithValue(parent, common.RequestParam{}, common.RequestParam{
		ID:      uuid.New().String(),
		Method:  requestType,
		URI:     s.uri,
		Session: s.id,
	})
}

// cleanupContext context for removing subscriptions, which must proceed even as the
// session and the server stop
func (s *relaySession) cleanupContext() context.Context {
	return s.requestContext(context.Background(), protocol.TypeUnsubscribe)
}

// handleMessage process one inbound message
func (s *relaySession) handleMessage(raw []byte) {
	request, err := protocol.DecodeRequest(raw)
	if err != nil {
		ctxt := s.requestContext(s.sessionCtxt, "invalid")
		log.WithError(err).WithFields(s.LogTags).Info("Rejecting malformed request")
		s.send(ctxt, protocol.NewErrorResponse(err.Error(), nil))
		return
	}
	switch req := request.(type) {
	case *protocol.TransactionRequest:
		s.handleTransaction(req)
	case *protocol.SubscribeRequest:
		s.handleSubscribe(req)
	case *protocol.UnsubscribeRequest:
		s.handleUnsubscribe(req)
	}
}

func (s *relaySession) handleTransaction(req *protocol.TransactionRequest) {
	// Closing the session must not interrupt a submission in progress
	ctxt := s.requestContext(s.runtimeCtxt, req.RequestType())
	err := s.submitter.Submit(ctxt, req.Cluster, req.TransactionBytes)
	if err == nil {
		return
	}
	localLogTags, _ := common.UpdateLogTags(ctxt, s.LogTags)
	log.WithError(err).WithFields(localLogTags).Info("Transaction submission failed")
	var simErr *accelerator.SimulationError
	if errors.As(err, &simErr) {
		s.send(ctxt, protocol.NewErrorResponse("transaction simulation failed", simErr.Detail))
		return
	}
	s.send(ctxt, protocol.NewErrorResponse(err.Error(), nil))
}

func (s *relaySession) handleSubscribe(req *protocol.SubscribeRequest) {
	ctxt := s.requestContext(s.sessionCtxt, req.RequestType())
	localLogTags, _ := common.UpdateLogTags(ctxt, s.LogTags)
	topic := broker.NewTopic(req.Cluster, req.Account)

	subscriptionID, err := s.registry.Subscribe(ctxt, topic, s)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Unable to subscribe to '%s'", topic)
		s.send(ctxt, protocol.NewErrorResponse(fmt.Sprintf("subscribe failed: %s", err), nil))
		return
	}

	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		// The close cascade has already run
		if err := s.registry.Unsubscribe(s.cleanupContext(), subscriptionID); err != nil {
			log.WithError(err).WithFields(localLogTags).Errorf(
				"Unable to remove late subscription %s", subscriptionID,
			)
			s.sweeper.add(subscriptionID, topic)
		}
		return
	}
	s.ownedSubs[subscriptionID] = topic
	s.lock.Unlock()

	log.WithFields(localLogTags).Debugf("Subscribed %s to '%s'", subscriptionID, topic)
	s.send(ctxt, protocol.NewSubscribeResponse(subscriptionID))
}

func (s *relaySession) handleUnsubscribe(req *protocol.UnsubscribeRequest) {
	ctxt := s.requestContext(s.sessionCtxt, req.RequestType())
	localLogTags, _ := common.UpdateLogTags(ctxt, s.LogTags)

	if err := s.registry.Unsubscribe(ctxt, req.ID); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Unable to unsubscribe %s", req.ID)
		s.send(ctxt, protocol.NewErrorResponse(fmt.Sprintf("unsubscribe failed: %s", err), nil))
		return
	}

	s.lock.Lock()
	delete(s.ownedSubs, req.ID)
	s.lock.Unlock()

	s.send(ctxt, protocol.NewUnsubscribeResponse())
}

// ========================================================================================
// Lifecycle

// serve run the session until the connection closes. Returns once the session's
// subscriptions are removed.
func (s *relaySession) serve() {
	log.WithFields(s.LogTags).Info("Session opened")
	defer s.close()

	if err := s.writer.StartEventLoop(&s.loops); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to start writer")
		return
	}

	// Drop the connection when the session or the server ends
	s.loops.Add(1)
	go func() {
		defer s.loops.Done()
		<-s.sessionCtxt.Done()
		_ = s.conn.Close()
	}()

	pongWait := s.keepAlive * 2
	s.conn.SetReadLimit(s.config.MaxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	if err := s.pinger.Start(s.keepAlive, func() error {
		return s.writer.Submit(s.sessionCtxt, pingFrame{})
	}, false); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to start keepalive")
		return
	}

	for {
		msgType, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err, websocket.CloseNormalClosure, websocket.CloseGoingAway,
			) && s.sessionCtxt.Err() == nil {
				log.WithError(err).WithFields(s.LogTags).Warn("Connection lost")
			}
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		if err := s.inflight.Acquire(s.sessionCtxt, 1); err != nil {
			return
		}
		s.workers.Add(1)
		go func() {
			defer s.workers.Done()
			defer s.inflight.Release(1)
			s.handleMessage(raw)
		}()
	}
}

// close tear down the session, removing every subscription it holds
func (s *relaySession) close() {
	s.lock.Lock()
	s.closed = true
	owned := s.ownedSubs
	s.ownedSubs = make(map[string]broker.Topic)
	s.lock.Unlock()

	s.cancel()
	_ = s.conn.Close()

	// One failure does not stop the others. Failures are retried by the sweeper.
	for subscriptionID, topic := range owned {
		if err := s.registry.Unsubscribe(s.cleanupContext(), subscriptionID); err != nil {
			log.WithError(err).WithFields(s.LogTags).Errorf(
				"Unable to remove subscription %s on '%s'", subscriptionID, topic,
			)
			s.sweeper.add(subscriptionID, topic)
		}
	}

	s.workers.Wait()
	if err := s.pinger.Stop(); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Failed to stop keepalive")
	}
	if err := s.writer.StopEventLoop(); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Failed to stop writer")
	}
	s.loops.Wait()
	log.WithFields(s.LogTags).Infof("Session closed, removed %d subscriptions", len(owned))
}
