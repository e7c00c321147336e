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

package subscription

import (
	"context"
	"sync"

	"github.com/alwitt/accelerator/broker"
	"github.com/alwitt/accelerator/common"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// Deliverer receives the messages routed to one subscription
type Deliverer interface {
	// Deliver hand one message to the subscriber
	Deliver(topic broker.Topic, payload []byte) error
}

// TopicBinder controls which topics the broker routes to this process
type TopicBinder interface {
	// Bind start routing messages of a topic to this process
	Bind(ctxt context.Context, topic broker.Topic) error
	// Unbind stop routing messages of a topic to this process
	Unbind(ctxt context.Context, topic broker.Topic) error
}

// Registry tracks which subscriptions are interested in which topic.
//
// A topic is bound on the broker iff it has at least one subscriber. The
// bind happens on the first subscriber, the unbind on the last unsubscribe.
type Registry interface {
	// Subscribe register a new subscription for a topic, returning its ID
	Subscribe(ctxt context.Context, topic broker.Topic, deliverer Deliverer) (string, error)
	// Unsubscribe remove a subscription. Unknown IDs are ignored.
	Unsubscribe(ctxt context.Context, subscriptionID string) error
	// Dispatch deliver a message to every subscription of the topic
	Dispatch(topic broker.Topic, payload []byte)
	// TopicCount number of topics with at least one subscriber
	TopicCount() int
	// SubscriptionCount number of active subscriptions
	SubscriptionCount() int
}

// topicEntry the subscriptions of one topic
type topicEntry struct {
	topic       broker.Topic
	lock        sync.RWMutex
	subscribers map[string]Deliverer
	// discarded is set once the entry is removed from the registry. A caller
	// holding a discarded entry must look the topic up again.
	discarded bool
}

// registryImpl implements Registry
//
// Lock order is entry lock, then registry lock. The registry lock only guards
// the two maps and is never held during broker calls.
type registryImpl struct {
	common.Component
	binder      TopicBinder
	lock        sync.Mutex
	topics      map[broker.Topic]*topicEntry
	subToTopics map[string]broker.Topic
}

// GetRegistry define a new subscription registry
func GetRegistry(binder TopicBinder, instance string) (Registry, error) {
	logTags := log.Fields{
		"module": "subscription", "component": "registry", "instance": instance,
	}
	return &registryImpl{
		Component:   common.Component{LogTags: logTags},
		binder:      binder,
		topics:      make(map[broker.Topic]*topicEntry),
		subToTopics: make(map[string]broker.Topic),
	}, nil
}

// entryForSubscribe fetch the topic entry, creating it if needed
func (r *registryImpl) entryForSubscribe(topic broker.Topic) *topicEntry {
	r.lock.Lock()
	defer r.lock.Unlock()
	entry, ok := r.topics[topic]
	if !ok {
		entry = &topicEntry{topic: topic, subscribers: make(map[string]Deliverer)}
		r.topics[topic] = entry
	}
	return entry
}

// discardEntry remove an empty entry from the registry. Caller must hold the entry lock.
func (r *registryImpl) discardEntry(entry *topicEntry) {
	r.lock.Lock()
	defer r.lock.Unlock()
	entry.discarded = true
	if current, ok := r.topics[entry.topic]; ok && current == entry {
		delete(r.topics, entry.topic)
	}
}

// Subscribe register a new subscription for a topic, returning its ID
func (r *registryImpl) Subscribe(
	ctxt context.Context, topic broker.Topic, deliverer Deliverer,
) (string, error) {
	localLogTags, err := common.UpdateLogTags(ctxt, r.LogTags)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Failed to update logtags")
		return "", err
	}
	for {
		entry := r.entryForSubscribe(topic)
		entry.lock.Lock()
		if entry.discarded {
			// Lost a race with the last unsubscribe of this topic
			entry.lock.Unlock()
			continue
		}
		if len(entry.subscribers) == 0 {
			if err := r.binder.Bind(ctxt, topic); err != nil {
				log.WithError(err).WithFields(localLogTags).Errorf("Failed to bind '%s'", topic)
				r.discardEntry(entry)
				entry.lock.Unlock()
				return "", err
			}
		}
		subscriptionID := uuid.New().String()
		entry.subscribers[subscriptionID] = deliverer
		r.lock.Lock()
		r.subToTopics[subscriptionID] = topic
		r.lock.Unlock()
		entry.lock.Unlock()
		log.WithFields(localLogTags).Debugf("Subscription %s on '%s'", subscriptionID, topic)
		return subscriptionID, nil
	}
}

// Unsubscribe remove a subscription. Unknown IDs are ignored.
func (r *registryImpl) Unsubscribe(ctxt context.Context, subscriptionID string) error {
	localLogTags, err := common.UpdateLogTags(ctxt, r.LogTags)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Failed to update logtags")
		return err
	}
	r.lock.Lock()
	topic, ok := r.subToTopics[subscriptionID]
	entry := r.topics[topic]
	r.lock.Unlock()
	if !ok || entry == nil {
		log.WithFields(localLogTags).Debugf("Unsubscribe of unknown subscription %s", subscriptionID)
		return nil
	}

	entry.lock.Lock()
	defer entry.lock.Unlock()
	if _, ok := entry.subscribers[subscriptionID]; !ok {
		// Already removed by a concurrent unsubscribe
		return nil
	}
	if len(entry.subscribers) == 1 {
		if err := r.binder.Unbind(ctxt, topic); err != nil {
			log.WithError(err).WithFields(localLogTags).Errorf("Failed to unbind '%s'", topic)
			return err
		}
		delete(entry.subscribers, subscriptionID)
		r.discardEntry(entry)
	} else {
		delete(entry.subscribers, subscriptionID)
	}
	r.lock.Lock()
	delete(r.subToTopics, subscriptionID)
	r.lock.Unlock()
	log.WithFields(localLogTags).Debugf("Removed subscription %s on '%s'", subscriptionID, topic)
	return nil
}

// Dispatch deliver a message to every subscription of the topic
func (r *registryImpl) Dispatch(topic broker.Topic, payload []byte) {
	r.lock.Lock()
	entry, ok := r.topics[topic]
	r.lock.Unlock()
	if !ok {
		log.WithFields(r.LogTags).Debugf("Dropping message for unknown topic '%s'", topic)
		return
	}

	type target struct {
		id        string
		deliverer Deliverer
	}
	entry.lock.RLock()
	targets := make([]target, 0, len(entry.subscribers))
	for id, deliverer := range entry.subscribers {
		targets = append(targets, target{id: id, deliverer: deliverer})
	}
	entry.lock.RUnlock()

	for _, oneTarget := range targets {
		if err := oneTarget.deliverer.Deliver(topic, payload); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf(
				"Failed to deliver message on '%s' to %s", topic, oneTarget.id,
			)
		}
	}
}

// TopicCount number of topics with at least one subscriber
func (r *registryImpl) TopicCount() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.topics)
}

// SubscriptionCount number of active subscriptions
func (r *registryImpl) SubscriptionCount() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.subToTopics)
}
