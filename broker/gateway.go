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
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/alwitt/accelerator/common"
	"github.com/alwitt/accelerator/core"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
)

// Topic is a broker routing key scoped to one (cluster, account) pair
type Topic string

// NewTopic define the topic of an account on a cluster
func NewTopic(cluster, account string) Topic {
	return Topic(cluster + account)
}

// Validate verify the topic can be used as a routing key
func (t Topic) Validate() error {
	return common.ValidateSubjectToken(string(t))
}

// MessageHandler callback processing one message received from the broker
type MessageHandler func(topic Topic, payload []byte)

// Gateway owns the process's connection to the broker.
//
// All topics live under one exchange. The gateway holds one process private
// queue; binding a topic routes messages published under that topic into the
// queue, and a single consume loop drains the queue. Delivery is at-most-once.
type Gateway interface {
	// Bind attach the process queue to the exchange under the routing key
	Bind(ctxt context.Context, topic Topic) error
	// Unbind detach the process queue from the exchange for the routing key
	Unbind(ctxt context.Context, topic Topic) error
	// Publish send a payload to the exchange under the routing key. Returns once the
	// broker accepted the message.
	Publish(ctxt context.Context, topic Topic, payload []byte) error
	// Consume start the consume loop. Can only be called once.
	Consume(handler MessageHandler, wg *sync.WaitGroup) error
	// Ready whether the gateway is connected to the broker
	Ready() bool
}

// natsGatewayImpl implements Gateway on NATS core subjects
//
// lock only guards the maps. Broker round trips happen outside of it, with the
// topic marked in pending so binds and unbinds of one topic do not interleave.
type natsGatewayImpl struct {
	common.Component
	client      *core.NatsClient
	exchange    string
	opTimeout   time.Duration
	lock        sync.Mutex
	bindings    map[Topic]*nats.Subscription
	pending     map[Topic]chan struct{}
	queue       chan *nats.Msg
	consuming   bool
	runtimeCtxt context.Context
	// confirm wait for the broker to process everything sent so far
	confirm func(ctxt context.Context) error
}

// GetNATSGateway define a new broker gateway on top of a NATS client
func GetNATSGateway(
	runtimeCtxt context.Context,
	client *core.NatsClient,
	config common.BrokerConfig,
	instance string,
) (Gateway, error) {
	logTags := log.Fields{
		"module":    "broker",
		"component": "gateway",
		"instance":  instance,
		"exchange":  config.Exchange,
	}
	if err := common.ValidateSubjectToken(config.Exchange); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid exchange name")
		return nil, err
	}
	if config.QueueBuffer < 1 {
		err := fmt.Errorf("queue buffer must be at least one: %d", config.QueueBuffer)
		log.WithError(err).WithFields(logTags).Error("Invalid queue config")
		return nil, err
	}
	gw := &natsGatewayImpl{
		Component:   common.Component{LogTags: logTags},
		client:      client,
		exchange:    config.Exchange,
		opTimeout:   time.Second * time.Duration(config.PublishTimeout),
		bindings:    make(map[Topic]*nats.Subscription),
		pending:     make(map[Topic]chan struct{}),
		queue:       make(chan *nats.Msg, config.QueueBuffer),
		runtimeCtxt: runtimeCtxt,
	}
	gw.confirm = gw.flush
	return gw, nil
}

func (g *natsGatewayImpl) subject(topic Topic) string {
	return fmt.Sprintf("%s.%s", g.exchange, topic)
}

func (g *natsGatewayImpl) topicOf(subject string) (Topic, bool) {
	prefix := g.exchange + "."
	if !strings.HasPrefix(subject, prefix) {
		return "", false
	}
	return Topic(strings.TrimPrefix(subject, prefix)), true
}

// flush wait for the server to process everything sent so far
func (g *natsGatewayImpl) flush(ctxt context.Context) error {
	lclCtxt, cancel := context.WithTimeout(ctxt, g.opTimeout)
	defer cancel()
	return g.client.NATs().FlushWithContext(lclCtxt)
}

// claim wait until no other bind or unbind of the topic is in progress, then mark the
// topic as in progress. Returns the current subscription of the topic, if any.
func (g *natsGatewayImpl) claim(ctxt context.Context, topic Topic) (*nats.Subscription, error) {
	for {
		g.lock.Lock()
		inProgress, busy := g.pending[topic]
		if !busy {
			g.pending[topic] = make(chan struct{})
			sub := g.bindings[topic]
			g.lock.Unlock()
			return sub, nil
		}
		g.lock.Unlock()
		select {
		case <-inProgress:
		case <-ctxt.Done():
			return nil, ctxt.Err()
		}
	}
}

// release end the operation in progress on the topic, recording its subscription
func (g *natsGatewayImpl) release(topic Topic, sub *nats.Subscription) {
	g.lock.Lock()
	defer g.lock.Unlock()
	if sub != nil {
		g.bindings[topic] = sub
	} else {
		delete(g.bindings, topic)
	}
	close(g.pending[topic])
	delete(g.pending, topic)
}

// Bind attach the process queue to the exchange under the routing key
func (g *natsGatewayImpl) Bind(ctxt context.Context, topic Topic) error {
	localLogTags, err := common.UpdateLogTags(ctxt, g.LogTags)
	if err != nil {
		log.WithError(err).WithFields(g.LogTags).Errorf("Failed to update logtags")
		return err
	}
	if err := topic.Validate(); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Unable to bind '%s'", topic)
		return err
	}
	current, err := g.claim(ctxt, topic)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Unable to bind '%s'", topic)
		return err
	}
	if current != nil {
		g.release(topic, current)
		return nil
	}
	sub, err := g.client.NATs().ChanSubscribe(g.subject(topic), g.queue)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Unable to bind '%s'", topic)
		g.release(topic, nil)
		return err
	}
	// The binding only counts once the server has it
	if err := g.confirm(ctxt); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Bind of '%s' not confirmed", topic)
		if err := sub.Unsubscribe(); err != nil {
			log.WithError(err).WithFields(localLogTags).Errorf(
				"Failed to revert unconfirmed bind of '%s'", topic,
			)
		}
		g.release(topic, nil)
		return err
	}
	g.release(topic, sub)
	log.WithFields(localLogTags).Debugf("Bound '%s'", topic)
	return nil
}

// Unbind detach the process queue from the exchange for the routing key
//
// Messages stop reaching the queue as soon as the local subscription is dropped. An
// unconfirmed unbind is logged but still succeeds, as the local state can not be restored.
func (g *natsGatewayImpl) Unbind(ctxt context.Context, topic Topic) error {
	localLogTags, err := common.UpdateLogTags(ctxt, g.LogTags)
	if err != nil {
		log.WithError(err).WithFields(g.LogTags).Errorf("Failed to update logtags")
		return err
	}
	sub, err := g.claim(ctxt, topic)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Unable to unbind '%s'", topic)
		return err
	}
	if sub == nil {
		g.release(topic, nil)
		return nil
	}
	if err := sub.Unsubscribe(); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Unable to unbind '%s'", topic)
		g.release(topic, sub)
		return err
	}
	g.release(topic, nil)
	if err := g.confirm(ctxt); err != nil {
		log.WithError(err).WithFields(localLogTags).Warnf("Unbind of '%s' not confirmed", topic)
		return nil
	}
	log.WithFields(localLogTags).Debugf("Unbound '%s'", topic)
	return nil
}

// Publish send a payload to the exchange under the routing key
func (g *natsGatewayImpl) Publish(ctxt context.Context, topic Topic, payload []byte) error {
	localLogTags, err := common.UpdateLogTags(ctxt, g.LogTags)
	if err != nil {
		log.WithError(err).WithFields(g.LogTags).Errorf("Failed to update logtags")
		return err
	}
	if err := topic.Validate(); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Unable to publish to '%s'", topic)
		return err
	}
	if err := g.client.NATs().Publish(g.subject(topic), payload); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Unable to publish to '%s'", topic)
		return err
	}
	if err := g.confirm(ctxt); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Publish to '%s' not confirmed", topic)
		return err
	}
	log.WithFields(localLogTags).Debugf("Published %dB to '%s'", len(payload), topic)
	return nil
}

// Consume start the consume loop
func (g *natsGatewayImpl) Consume(handler MessageHandler, wg *sync.WaitGroup) error {
	g.lock.Lock()
	defer g.lock.Unlock()
	if g.consuming {
		err := fmt.Errorf("already consuming")
		log.WithError(err).WithFields(g.LogTags).Error("Unable to start consume loop")
		return err
	}
	g.consuming = true
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.WithFields(g.LogTags).Info("Starting consume loop")
		defer log.WithFields(g.LogTags).Info("Stopping consume loop")
		for {
			select {
			case <-g.runtimeCtxt.Done():
				return
			case msg := <-g.queue:
				topic, ok := g.topicOf(msg.Subject)
				if !ok {
					log.WithFields(g.LogTags).Errorf("Received message on foreign subject %s", msg.Subject)
					continue
				}
				handler(topic, msg.Data)
			}
		}
	}()
	return nil
}

// Ready whether the gateway is connected to the broker
func (g *natsGatewayImpl) Ready() bool {
	return g.client.IsConnected()
}
