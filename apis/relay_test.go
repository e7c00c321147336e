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
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/accelerator/accelerator"
	"github.com/alwitt/accelerator/broker"
	"github.com/alwitt/accelerator/common"
	"github.com/alwitt/accelerator/protocol"
	"github.com/alwitt/accelerator/subscription"
	"github.com/apex/log"
	"github.com/gagliardetto/solana-go"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

// loopbackGateway routes published messages straight back to the registry
type loopbackGateway struct {
	lock           sync.Mutex
	ready          bool
	bound          map[broker.Topic]bool
	unbindFailures int
	registry       subscription.Registry
}

func (g *loopbackGateway) Bind(_ context.Context, topic broker.Topic) error {
	g.lock.Lock()
	defer g.lock.Unlock()
	g.bound[topic] = true
	return nil
}

func (g *loopbackGateway) Unbind(_ context.Context, topic broker.Topic) error {
	g.lock.Lock()
	defer g.lock.Unlock()
	if g.unbindFailures > 0 {
		g.unbindFailures--
		return fmt.Errorf("broker unavailable")
	}
	delete(g.bound, topic)
	return nil
}

func (g *loopbackGateway) Publish(_ context.Context, topic broker.Topic, payload []byte) error {
	g.lock.Lock()
	bound := g.bound[topic]
	g.lock.Unlock()
	if bound {
		g.registry.Dispatch(topic, payload)
	}
	return nil
}

func (g *loopbackGateway) Ready() bool {
	g.lock.Lock()
	defer g.lock.Unlock()
	return g.ready
}

func (g *loopbackGateway) failNextUnbinds(count int) {
	g.lock.Lock()
	defer g.lock.Unlock()
	g.unbindFailures = count
}

func (g *loopbackGateway) remainingUnbindFailures() int {
	g.lock.Lock()
	defer g.lock.Unlock()
	return g.unbindFailures
}

func (g *loopbackGateway) isBound(topic broker.Topic) bool {
	g.lock.Lock()
	defer g.lock.Unlock()
	return g.bound[topic]
}

// fakeSubmitter publishes a notification to a fixed set of accounts
type fakeSubmitter struct {
	lock     sync.Mutex
	gateway  *loopbackGateway
	accounts []string
	err      error
	calls    int
}

func (s *fakeSubmitter) setAccounts(accounts ...string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.accounts = accounts
}

func (s *fakeSubmitter) Submit(ctxt context.Context, cluster string, raw []byte) error {
	s.lock.Lock()
	s.calls++
	accounts := s.accounts
	failure := s.err
	s.lock.Unlock()
	if failure != nil {
		return failure
	}
	payload, err := json.Marshal(
		protocol.NewTransactionNotification(cluster, raw, 1650000042, "txsig"),
	)
	if err != nil {
		return err
	}
	for _, account := range accounts {
		if err := s.gateway.Publish(ctxt, broker.NewTopic(cluster, account), payload); err != nil {
			return err
		}
	}
	return nil
}

type relayFixture struct {
	server    *httptest.Server
	handler   RelayHandler
	gateway   *loopbackGateway
	registry  subscription.Registry
	submitter *fakeSubmitter
	cancel    context.CancelFunc
	wg        *sync.WaitGroup
}

func newRelayFixture(t *testing.T) *relayFixture {
	runtimeCtxt, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	gateway := &loopbackGateway{ready: true, bound: make(map[broker.Topic]bool)}
	registry, err := subscription.GetRegistry(gateway, "unit-test")
	assert.Nil(t, err)
	gateway.registry = registry
	submitter := &fakeSubmitter{gateway: gateway}

	handler, err := GetRelayHandler(
		runtimeCtxt,
		gateway,
		registry,
		submitter,
		common.HTTPConfig{
			Logging: common.HTTPRequestLogging{RequestIDHeader: "Accelerator-Request-ID"},
		},
		common.SessionConfig{
			MaxInflightRequests:  4,
			OutboundBuffer:       8,
			CleanupRetryInterval: 1,
			KeepAliveInterval:    30,
			MaxMessageSize:       1 << 20,
		},
		wg,
	)
	assert.Nil(t, err)

	router := mux.NewRouter()
	_ = RegisterRelayRoutes(router, "/", handler)

	return &relayFixture{
		server:    httptest.NewServer(router),
		handler:   handler,
		gateway:   gateway,
		registry:  registry,
		submitter: submitter,
		cancel:    cancel,
		wg:        wg,
	}
}

func (f *relayFixture) stop() {
	f.cancel()
	f.server.Close()
	f.wg.Wait()
}

func (f *relayFixture) dial(t *testing.T) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/accelerator"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	assert.Nil(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn
}

func sendJSON(t *testing.T, conn *websocket.Conn, msg interface{}) {
	assert.Nil(t, conn.WriteJSON(msg))
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	_ = conn.SetReadDeadline(time.Now().Add(time.Second * 5))
	msg := map[string]interface{}{}
	assert.Nil(t, conn.ReadJSON(&msg))
	return msg
}

func newAccount(t *testing.T) string {
	key, err := solana.NewRandomPrivateKey()
	assert.Nil(t, err)
	return key.PublicKey().String()
}

func subscribe(t *testing.T, conn *websocket.Conn, cluster, account string) string {
	sendJSON(t, conn, map[string]interface{}{
		"type": "subscribe", "cluster": cluster, "account": account,
	})
	resp := readJSON(t, conn)
	assert.Equal(t, "subscribe", resp["type"])
	subscriptionID, _ := resp["id"].(string)
	assert.NotEmpty(t, subscriptionID)
	return subscriptionID
}

func TestSessionSharedSubscription(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	fixture := newRelayFixture(t)
	defer fixture.stop()

	account := newAccount(t)
	fixture.submitter.setAccounts(account)

	sessionA := fixture.dial(t)
	defer sessionA.Close()
	sessionB := fixture.dial(t)
	defer sessionB.Close()

	// Case 0: two sessions subscribe to the same account
	idA := subscribe(t, sessionA, "devnet", account)
	idB := subscribe(t, sessionB, "devnet", account)
	assert.NotEqual(idA, idB)
	assert.Equal(1, fixture.registry.TopicCount())
	assert.Equal(2, fixture.registry.SubscriptionCount())

	// Case 1: a validated transaction reaches both sessions once
	sendJSON(t, sessionA, map[string]interface{}{
		"type": "transaction", "cluster": "devnet", "transactionBytes": []int{1, 2, 3},
	})
	for _, conn := range []*websocket.Conn{sessionA, sessionB} {
		msg := readJSON(t, conn)
		assert.Equal("transaction", msg["type"])
		assert.Equal("devnet", msg["cluster"])
		assert.Equal("txsig", msg["txid"])
		assert.Equal(float64(1650000042), msg["blockTime"])
		assert.Equal([]interface{}{float64(1), float64(2), float64(3)}, msg["transactionBytes"])
	}

	// Case 2: notifications for another cluster are not delivered
	sendJSON(t, sessionA, map[string]interface{}{
		"type": "transaction", "cluster": "testnet", "transactionBytes": []int{4},
	})

	// Case 3: unsubscribe acknowledges, and stops delivery to that session
	sendJSON(t, sessionA, map[string]interface{}{
		"type": "unsubscribe", "cluster": "devnet", "id": idA,
	})
	resp := readJSON(t, sessionA)
	assert.Equal("unsubscribe", resp["type"])
	assert.Equal(true, resp["successful"])
	assert.Equal(1, fixture.registry.SubscriptionCount())
	assert.True(fixture.gateway.isBound(broker.NewTopic("devnet", account)))

	// Case 4: unsubscribing again still acknowledges
	sendJSON(t, sessionA, map[string]interface{}{
		"type": "unsubscribe", "cluster": "devnet", "id": idA,
	})
	resp = readJSON(t, sessionA)
	assert.Equal("unsubscribe", resp["type"])
	assert.Equal(true, resp["successful"])

	// Case 5: last subscriber leaving unbinds the topic
	sendJSON(t, sessionB, map[string]interface{}{"type": "unsubscribe", "id": idB})
	resp = readJSON(t, sessionB)
	assert.Equal(true, resp["successful"])
	assert.Equal(0, fixture.registry.SubscriptionCount())
	assert.False(fixture.gateway.isBound(broker.NewTopic("devnet", account)))

	// Case 6: with nobody subscribed, nothing is delivered
	sendJSON(t, sessionA, map[string]interface{}{
		"type": "transaction", "cluster": "devnet", "transactionBytes": []int{5},
	})
	sendJSON(t, sessionA, map[string]interface{}{
		"type": "subscribe", "cluster": "devnet", "account": newAccount(t),
	})
	resp = readJSON(t, sessionA)
	assert.Equal("subscribe", resp["type"])
}

func TestSessionErrors(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	fixture := newRelayFixture(t)
	defer fixture.stop()

	conn := fixture.dial(t)
	defer conn.Close()

	// Case 0: not JSON
	assert.Nil(conn.WriteMessage(websocket.TextMessage, []byte("hello")))
	resp := readJSON(t, conn)
	assert.Equal("error", resp["type"])
	assert.NotEmpty(resp["error"])

	// Case 1: unknown cluster
	sendJSON(t, conn, map[string]interface{}{
		"type": "subscribe", "cluster": "moonnet", "account": newAccount(t),
	})
	resp = readJSON(t, conn)
	assert.Equal("error", resp["type"])

	// Case 2: unknown request type
	sendJSON(t, conn, map[string]interface{}{"type": "publish", "cluster": "devnet"})
	resp = readJSON(t, conn)
	assert.Equal("error", resp["type"])

	// Case 3: simulation rejected
	fixture.submitter.lock.Lock()
	fixture.submitter.err = &accelerator.SimulationError{Detail: "AccountNotFound", Attempts: 1}
	fixture.submitter.lock.Unlock()
	sendJSON(t, conn, map[string]interface{}{
		"type": "transaction", "cluster": "devnet", "transactionBytes": []int{1},
	})
	resp = readJSON(t, conn)
	assert.Equal("error", resp["type"])
	assert.Equal("transaction simulation failed", resp["error"])
	assert.Equal("AccountNotFound", resp["details"])

	// Case 4: caller error
	fixture.submitter.lock.Lock()
	fixture.submitter.err = &accelerator.CallerError{
		Reason: "invalid transaction", Err: fmt.Errorf("dummy error"),
	}
	fixture.submitter.lock.Unlock()
	sendJSON(t, conn, map[string]interface{}{
		"type": "transaction", "cluster": "devnet", "transactionBytes": []int{1},
	})
	resp = readJSON(t, conn)
	assert.Equal("error", resp["type"])
	assert.Equal("invalid transaction: dummy error", resp["error"])

	// Case 5: the session still works
	subscribe(t, conn, "devnet", newAccount(t))
	fixture.submitter.lock.Lock()
	assert.Equal(2, fixture.submitter.calls)
	fixture.submitter.lock.Unlock()
}

func TestSessionCloseCascade(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	fixture := newRelayFixture(t)
	defer fixture.stop()

	shared := newAccount(t)
	onlyA := newAccount(t)
	onlyB := newAccount(t)

	keeper := fixture.dial(t)
	defer keeper.Close()
	subscribe(t, keeper, "devnet", shared)

	leaving := fixture.dial(t)
	subscribe(t, leaving, "devnet", shared)
	subscribe(t, leaving, "devnet", onlyA)
	subscribe(t, leaving, "mainnet-beta", onlyB)
	assert.Equal(4, fixture.registry.SubscriptionCount())
	assert.Equal(3, fixture.registry.TopicCount())

	// Closing the session removes its three subscriptions
	assert.Nil(leaving.Close())
	assert.Eventually(func() bool {
		return fixture.registry.SubscriptionCount() == 1
	}, time.Second*5, time.Millisecond*10)
	assert.Equal(1, fixture.registry.TopicCount())
	assert.True(fixture.gateway.isBound(broker.NewTopic("devnet", shared)))
	assert.False(fixture.gateway.isBound(broker.NewTopic("devnet", onlyA)))
	assert.False(fixture.gateway.isBound(broker.NewTopic("mainnet-beta", onlyB)))

	// The remaining session still receives notifications
	fixture.submitter.setAccounts(shared, onlyA)
	sendJSON(t, keeper, map[string]interface{}{
		"type": "transaction", "cluster": "devnet", "transactionBytes": []int{9},
	})
	msg := readJSON(t, keeper)
	assert.Equal("transaction", msg["type"])

	// Server shutdown closes the remaining sessions
	fixture.cancel()
	assert.Eventually(func() bool {
		return fixture.registry.SubscriptionCount() == 0
	}, time.Second*5, time.Millisecond*10)
}

func TestSessionCloseRetriesFailedRemoval(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	fixture := newRelayFixture(t)
	defer fixture.stop()

	account := newAccount(t)
	topic := broker.NewTopic("devnet", account)
	conn := fixture.dial(t)
	subscribe(t, conn, "devnet", account)
	assert.True(fixture.gateway.isBound(topic))

	// Case 0: the unbind fails during close, and on the first retry
	fixture.gateway.failNextUnbinds(2)
	assert.Nil(conn.Close())
	assert.Eventually(func() bool {
		return fixture.gateway.remainingUnbindFailures() == 0
	}, time.Second*5, time.Millisecond*10)

	// Case 1: a later retry removes the subscription
	assert.Eventually(func() bool {
		return fixture.registry.SubscriptionCount() == 0 &&
			fixture.handler.sweeper.pendingCount() == 0
	}, time.Second*5, time.Millisecond*20)
	assert.Equal(0, fixture.registry.TopicCount())
	assert.False(fixture.gateway.isBound(topic))
}

func TestHealthEndpoints(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	fixture := newRelayFixture(t)
	defer fixture.stop()

	get := func(path string, requestID string) *http.Response {
		req, err := http.NewRequest(http.MethodGet, fixture.server.URL+path, nil)
		assert.Nil(err)
		if requestID != "" {
			req.Header.Set("Accelerator-Request-ID", requestID)
		}
		resp, err := http.DefaultClient.Do(req)
		assert.Nil(err)
		return resp
	}

	// Case 0: alive, with request ID echo
	{
		resp := get("/alive", "test-request")
		defer resp.Body.Close()
		assert.Equal(http.StatusOK, resp.StatusCode)
		assert.Equal("test-request", resp.Header.Get("Accelerator-Request-ID"))
		var body StandardResponse
		assert.Nil(json.NewDecoder(resp.Body).Decode(&body))
		assert.True(body.Success)
		assert.Equal("test-request", body.RequestID)
	}

	// Case 1: ready
	{
		resp := get("/ready", "")
		defer resp.Body.Close()
		assert.Equal(http.StatusOK, resp.StatusCode)
		assert.NotEmpty(resp.Header.Get("Accelerator-Request-ID"))
	}

	// Case 2: broker not connected
	fixture.gateway.lock.Lock()
	fixture.gateway.ready = false
	fixture.gateway.lock.Unlock()
	{
		resp := get("/ready", "")
		defer resp.Body.Close()
		assert.Equal(http.StatusServiceUnavailable, resp.StatusCode)
		var body StandardResponse
		assert.Nil(json.NewDecoder(resp.Body).Decode(&body))
		assert.False(body.Success)
		assert.NotNil(body.Error)
	}

	// Case 3: sessions are refused until the broker is connected
	{
		url := "ws" + strings.TrimPrefix(fixture.server.URL, "http") + "/accelerator"
		_, resp, err := websocket.DefaultDialer.Dial(url, nil)
		assert.NotNil(err)
		assert.NotNil(resp)
		if resp != nil {
			assert.Equal(http.StatusServiceUnavailable, resp.StatusCode)
		}
	}
}
