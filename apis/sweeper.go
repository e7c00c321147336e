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
	"sync"
	"time"

	"github.com/alwitt/accelerator/broker"
	"github.com/alwitt/accelerator/common"
	"github.com/alwitt/accelerator/subscription"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// subscriptionSweeper retries removal of subscriptions left behind by closed sessions
type subscriptionSweeper struct {
	common.Component
	registry subscription.Registry
	lock     sync.Mutex
	pending  map[string]broker.Topic
	timer    common.IntervalTimer
}

// newSubscriptionSweeper define a sweeper, retrying every interval until the runtime
// context ends
func newSubscriptionSweeper(
	runtimeCtxt context.Context,
	registry subscription.Registry,
	interval time.Duration,
	wg *sync.WaitGroup,
) (*subscriptionSweeper, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "subscription-sweeper",
	}
	timer, err := common.GetIntervalTimerInstance("subscription-sweeper", runtimeCtxt, wg)
	if err != nil {
		return nil, err
	}
	sweeper := &subscriptionSweeper{
		Component: common.Component{LogTags: logTags},
		registry:  registry,
		pending:   make(map[string]broker.Topic),
		timer:     timer,
	}
	if err := timer.Start(interval, sweeper.sweep, false); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start sweep timer")
		return nil, err
	}
	return sweeper, nil
}

// add queue a subscription for removal
func (s *subscriptionSweeper) add(subscriptionID string, topic broker.Topic) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.pending[subscriptionID] = topic
	log.WithFields(s.LogTags).Warnf("Queued subscription %s on '%s' for removal", subscriptionID, topic)
}

// pendingCount number of subscriptions waiting for removal
func (s *subscriptionSweeper) pendingCount() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.pending)
}

// sweep attempt to remove every queued subscription once
func (s *subscriptionSweeper) sweep() error {
	s.lock.Lock()
	batch := make(map[string]broker.Topic, len(s.pending))
	for subscriptionID, topic := range s.pending {
		batch[subscriptionID] = topic
	}
	s.lock.Unlock()
	if len(batch) == 0 {
		return nil
	}

	ctxt := context.WithValue(context.Background(), common.RequestParam{}, common.RequestParam{
		ID:     uuid.New().String(),
		Method: "sweep",
	})
	removed := 0
	for subscriptionID, topic := range batch {
		if err := s.registry.Unsubscribe(ctxt, subscriptionID); err != nil {
			log.WithError(err).WithFields(s.LogTags).Debugf(
				"Removal of subscription %s on '%s' failed again", subscriptionID, topic,
			)
			continue
		}
		s.lock.Lock()
		delete(s.pending, subscriptionID)
		s.lock.Unlock()
		removed++
	}
	log.WithFields(s.LogTags).Infof("Removed %d of %d left over subscriptions", removed, len(batch))
	return nil
}
