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

package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/accelerator/common"
	"github.com/alwitt/accelerator/core"
	"github.com/apex/log"
	"github.com/google/uuid"
	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/stretchr/testify/assert"
)

type receivedMsg struct {
	topic   Topic
	payload []byte
}

func defineTestNatsClient(t *testing.T, serverURI string) *core.NatsClient {
	client, err := core.GetNatsClient(core.NATSConnectParams{
		ServerURI:           serverURI,
		ConnectTimeout:      time.Second,
		MaxReconnectAttempt: 0,
		ReconnectWait:       time.Second,
	})
	assert.Nil(t, err)
	ctxt, cancel := context.WithTimeout(context.Background(), time.Second*2)
	defer cancel()
	assert.Nil(t, client.WaitConnected(ctxt))
	return client
}

func expectNoMessage(assert *assert.Assertions, rxChan chan receivedMsg) {
	select {
	case msg := <-rxChan:
		assert.Failf("unexpected message", "received %s on '%s'", msg.payload, msg.topic)
	case <-time.After(time.Millisecond * 150):
	}
}

func expectMessage(assert *assert.Assertions, rxChan chan receivedMsg) receivedMsg {
	select {
	case msg := <-rxChan:
		return msg
	case <-time.After(time.Second):
		assert.Fail("message not received")
	}
	return receivedMsg{}
}

func TestGatewayBindPublishUnbind(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	srv := natsserver.RunRandClientPortServer()
	defer srv.Shutdown()

	wg := sync.WaitGroup{}
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	client := defineTestNatsClient(t, srv.ClientURL())
	defer client.Close(context.Background())
	defer wg.Wait()
	defer utCtxtCancel()

	config := common.BrokerConfig{Exchange: "accelerator", QueueBuffer: 16, PublishTimeout: 2}

	// Case 0: invalid exchange
	{
		_, err := GetNATSGateway(utCtxt, client, common.BrokerConfig{
			Exchange: "accel.erator", QueueBuffer: 16, PublishTimeout: 2,
		}, "unit-test")
		assert.NotNil(err)
	}

	uut, err := GetNATSGateway(utCtxt, client, config, "unit-test")
	assert.Nil(err)
	assert.True(uut.Ready())

	rxChan := make(chan receivedMsg, 8)
	assert.Nil(uut.Consume(func(topic Topic, payload []byte) {
		rxChan <- receivedMsg{topic: topic, payload: payload}
	}, &wg))

	// Case 1: consume can only start once
	assert.NotNil(uut.Consume(func(Topic, []byte) {}, &wg))

	// Case 2: invalid topics
	assert.NotNil(uut.Bind(utCtxt, Topic("devnet.Acc1")))
	assert.NotNil(uut.Bind(utCtxt, Topic("")))
	assert.NotNil(uut.Publish(utCtxt, Topic("devnet*"), []byte("{}")))

	topic1 := NewTopic("devnet", uuid.New().String())
	topic2 := NewTopic("devnet", uuid.New().String())

	// Case 3: bound topic receives
	assert.Nil(uut.Bind(utCtxt, topic1))
	assert.Nil(uut.Publish(utCtxt, topic1, []byte(`{"txid":"1"}`)))
	{
		msg := expectMessage(assert, rxChan)
		assert.Equal(topic1, msg.topic)
		assert.Equal(`{"txid":"1"}`, string(msg.payload))
	}

	// Case 4: unbound topic does not receive
	assert.Nil(uut.Publish(utCtxt, topic2, []byte(`{"txid":"2"}`)))
	expectNoMessage(assert, rxChan)

	// Case 5: repeated bind does not duplicate delivery
	assert.Nil(uut.Bind(utCtxt, topic1))
	assert.Nil(uut.Publish(utCtxt, topic1, []byte(`{"txid":"3"}`)))
	{
		msg := expectMessage(assert, rxChan)
		assert.Equal(`{"txid":"3"}`, string(msg.payload))
	}
	expectNoMessage(assert, rxChan)

	// Case 6: unbind stops delivery
	assert.Nil(uut.Unbind(utCtxt, topic1))
	assert.Nil(uut.Publish(utCtxt, topic1, []byte(`{"txid":"4"}`)))
	expectNoMessage(assert, rxChan)

	// Case 7: unbind of unknown topic is a no-op
	assert.Nil(uut.Unbind(utCtxt, topic2))
}

func TestGatewayAcrossProcesses(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	srv := natsserver.RunRandClientPortServer()
	defer srv.Shutdown()

	wg := sync.WaitGroup{}
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	client1 := defineTestNatsClient(t, srv.ClientURL())
	defer client1.Close(context.Background())
	client2 := defineTestNatsClient(t, srv.ClientURL())
	defer client2.Close(context.Background())
	defer wg.Wait()
	defer utCtxtCancel()

	config := common.BrokerConfig{Exchange: "accelerator", QueueBuffer: 16, PublishTimeout: 2}
	uut1, err := GetNATSGateway(utCtxt, client1, config, "instance-1")
	assert.Nil(err)
	uut2, err := GetNATSGateway(utCtxt, client2, config, "instance-2")
	assert.Nil(err)

	rxChan1 := make(chan receivedMsg, 8)
	assert.Nil(uut1.Consume(func(topic Topic, payload []byte) {
		rxChan1 <- receivedMsg{topic: topic, payload: payload}
	}, &wg))
	rxChan2 := make(chan receivedMsg, 8)
	assert.Nil(uut2.Consume(func(topic Topic, payload []byte) {
		rxChan2 <- receivedMsg{topic: topic, payload: payload}
	}, &wg))

	topic := NewTopic("mainnet-beta", uuid.New().String())

	// Case 0: only the instance which bound the topic receives
	assert.Nil(uut1.Bind(utCtxt, topic))
	assert.Nil(uut2.Publish(utCtxt, topic, []byte(`{"txid":"1"}`)))
	{
		msg := expectMessage(assert, rxChan1)
		assert.Equal(topic, msg.topic)
	}
	expectNoMessage(assert, rxChan2)

	// Case 1: both instances bound, both receive one copy
	assert.Nil(uut2.Bind(utCtxt, topic))
	assert.Nil(uut1.Publish(utCtxt, topic, []byte(`{"txid":"2"}`)))
	{
		msg := expectMessage(assert, rxChan1)
		assert.Equal(`{"txid":"2"}`, string(msg.payload))
		msg = expectMessage(assert, rxChan2)
		assert.Equal(`{"txid":"2"}`, string(msg.payload))
	}
	expectNoMessage(assert, rxChan1)
	expectNoMessage(assert, rxChan2)
}

func TestGatewayConcurrentBinds(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	srv := natsserver.RunRandClientPortServer()
	defer srv.Shutdown()

	wg := sync.WaitGroup{}
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	client := defineTestNatsClient(t, srv.ClientURL())
	defer client.Close(context.Background())
	defer wg.Wait()
	defer utCtxtCancel()

	config := common.BrokerConfig{Exchange: "accelerator", QueueBuffer: 16, PublishTimeout: 2}
	gateway, err := GetNATSGateway(utCtxt, client, config, "unit-test")
	assert.Nil(err)
	uut, ok := gateway.(*natsGatewayImpl)
	assert.True(ok)

	rxChan := make(chan receivedMsg, 16)
	assert.Nil(uut.Consume(func(topic Topic, payload []byte) {
		rxChan <- receivedMsg{topic: topic, payload: payload}
	}, &wg))

	// Slow broker: every confirmation takes a while
	confirmDelay := time.Millisecond * 300
	inFlight := 0
	maxInFlight := 0
	statLock := sync.Mutex{}
	uut.confirm = func(ctxt context.Context) error {
		statLock.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		statLock.Unlock()
		defer func() {
			statLock.Lock()
			inFlight--
			statLock.Unlock()
		}()
		select {
		case <-time.After(confirmDelay):
		case <-ctxt.Done():
			return ctxt.Err()
		}
		return uut.flush(ctxt)
	}

	baseSubs := client.NATs().NumSubscriptions()

	// Case 0: binds of different topics overlap
	{
		topics := []Topic{}
		for itr := 0; itr < 4; itr++ {
			topics = append(topics, NewTopic("devnet", uuid.New().String()))
		}
		startTime := time.Now()
		bindWG := sync.WaitGroup{}
		for _, topic := range topics {
			bindWG.Add(1)
			go func(topic Topic) {
				defer bindWG.Done()
				assert.Nil(uut.Bind(utCtxt, topic))
			}(topic)
		}
		bindWG.Wait()
		assert.Less(time.Since(startTime), confirmDelay*3)
		statLock.Lock()
		assert.Greater(maxInFlight, 1)
		statLock.Unlock()
		assert.Equal(baseSubs+4, client.NATs().NumSubscriptions())

		// All four are live
		uut.confirm = uut.flush
		for _, topic := range topics {
			assert.Nil(uut.Publish(utCtxt, topic, []byte(`{}`)))
			msg := expectMessage(assert, rxChan)
			assert.Equal(topic, msg.topic)
		}
		for _, topic := range topics {
			assert.Nil(uut.Unbind(utCtxt, topic))
		}
		assert.Equal(baseSubs, client.NATs().NumSubscriptions())
	}

	// Case 1: concurrent binds of one topic create one subscription
	{
		topic := NewTopic("devnet", uuid.New().String())
		bindWG := sync.WaitGroup{}
		for itr := 0; itr < 4; itr++ {
			bindWG.Add(1)
			go func() {
				defer bindWG.Done()
				assert.Nil(uut.Bind(utCtxt, topic))
			}()
		}
		bindWG.Wait()
		assert.Equal(baseSubs+1, client.NATs().NumSubscriptions())
		assert.Nil(uut.Publish(utCtxt, topic, []byte(`{"txid":"1"}`)))
		expectMessage(assert, rxChan)
		expectNoMessage(assert, rxChan)

		// Case 2: an unconfirmed unbind still stops delivery
		cancelled, cancel := context.WithCancel(utCtxt)
		cancel()
		assert.Nil(uut.Unbind(cancelled, topic))
		assert.Equal(baseSubs, client.NATs().NumSubscriptions())
		assert.Nil(uut.Publish(utCtxt, topic, []byte(`{"txid":"2"}`)))
		expectNoMessage(assert, rxChan)
	}
}
