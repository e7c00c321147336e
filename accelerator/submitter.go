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

package accelerator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/accelerator/broker"
	"github.com/alwitt/accelerator/chain"
	"github.com/alwitt/accelerator/common"
	"github.com/alwitt/accelerator/protocol"
	"github.com/apex/log"
	"github.com/gagliardetto/solana-go"
	"golang.org/x/sync/errgroup"
)

// Publisher sends a payload to every subscriber of a topic
type Publisher interface {
	// Publish send a payload under the topic. Returns once the broker accepted it.
	Publish(ctxt context.Context, topic broker.Topic, payload []byte) error
}

// Submitter validates client transactions and fans them out to the subscribers of
// every account they reference
type Submitter interface {
	// Submit simulate, submit, and fan-out a raw transaction. There is no result on
	// success: subscribers of the referenced accounts are notified instead.
	Submit(ctxt context.Context, cluster string, raw []byte) error
}

// sleepFunc wait for a duration, or until the context ends
type sleepFunc func(ctxt context.Context, duration time.Duration) error

func sleepWithContext(ctxt context.Context, duration time.Duration) error {
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctxt.Done():
		return ctxt.Err()
	}
}

// submitterImpl implements Submitter
type submitterImpl struct {
	common.Component
	resolver    chain.Resolver
	publisher   Publisher
	maxAttempts int
	retryDelay  time.Duration
	sleep       sleepFunc
}

// GetSubmitter define a new transaction submitter
func GetSubmitter(
	resolver chain.Resolver,
	publisher Publisher,
	config common.SimulationConfig,
	instance string,
) (Submitter, error) {
	logTags := log.Fields{
		"module": "accelerator", "component": "submitter", "instance": instance,
	}
	if config.MaxAttempts < 1 {
		return nil, fmt.Errorf("at least one simulation attempt required: %d", config.MaxAttempts)
	}
	return &submitterImpl{
		Component:   common.Component{LogTags: logTags},
		resolver:    resolver,
		publisher:   publisher,
		maxAttempts: config.MaxAttempts,
		retryDelay:  config.RetryDelayDuration(),
		sleep:       sleepWithContext,
	}, nil
}

// simulate run the simulation, retrying while the node does not know the blockhash
func (s *submitterImpl) simulate(
	ctxt context.Context,
	logTags log.Fields,
	client chain.NetworkClient,
	tx *solana.Transaction,
) error {
	for attempt := 1; ; attempt++ {
		outcome, err := client.Simulate(ctxt, tx)
		if err != nil {
			return fmt.Errorf("simulation call failed: %w", err)
		}
		if outcome.Err == nil {
			log.WithFields(logTags).Debugf("Simulation passed on attempt %d", attempt)
			return nil
		}
		if !chain.IsBlockhashNotFound(outcome.Err) || attempt >= s.maxAttempts {
			return &SimulationError{Detail: outcome.Err, Attempts: attempt}
		}
		log.WithFields(logTags).Debugf(
			"Blockhash not found on attempt %d/%d, retrying", attempt, s.maxAttempts,
		)
		if err := s.sleep(ctxt, s.retryDelay); err != nil {
			return err
		}
	}
}

// Submit simulate, submit, and fan-out a raw transaction
func (s *submitterImpl) Submit(ctxt context.Context, clusterName string, raw []byte) error {
	logTags, err := common.UpdateLogTags(ctxt, s.LogTags)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Failed to update logtags")
		return err
	}

	cluster, err := chain.ParseCluster(clusterName)
	if err != nil {
		return &CallerError{Reason: "unsupported cluster", Err: err}
	}
	client, err := s.resolver.Resolve(cluster)
	if err != nil {
		if errors.Is(err, chain.ErrUnknownCluster) {
			return &CallerError{Reason: "unsupported cluster", Err: err}
		}
		return err
	}
	tx, err := chain.DecodeTransaction(raw)
	if err != nil {
		return &CallerError{Reason: "invalid transaction", Err: err}
	}

	if err := s.simulate(ctxt, logTags, client, tx); err != nil {
		log.WithError(err).WithFields(logTags).Info("Transaction rejected")
		return err
	}

	clockData, err := client.ReadAccount(ctxt, solana.SysVarClockPubkey)
	if err != nil {
		return fmt.Errorf("unable to read ledger time: %w", err)
	}
	clock, err := chain.DecodeClock(clockData)
	if err != nil {
		return fmt.Errorf("unable to read ledger time: %w", err)
	}

	txID, err := client.SubmitRaw(ctxt, raw)
	if err != nil {
		return fmt.Errorf("transaction submission failed: %w", err)
	}
	log.WithFields(logTags).Debugf("Submitted transaction %s on %s", txID, cluster)

	payload, err := json.Marshal(
		protocol.NewTransactionNotification(string(cluster), raw, clock.UnixTimestamp, txID),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to serialize notification")
		return err
	}
	return s.fanOut(ctxt, logTags, cluster, chain.DistinctAccounts(tx), payload)
}

// fanOut publish the payload once per account, returning every failure
func (s *submitterImpl) fanOut(
	ctxt context.Context,
	logTags log.Fields,
	cluster chain.Cluster,
	accounts []string,
	payload []byte,
) error {
	var (
		group     errgroup.Group
		errLock   sync.Mutex
		allErrors []error
	)
	for _, account := range accounts {
		topic := broker.NewTopic(string(cluster), account)
		group.Go(func() error {
			if err := s.publisher.Publish(ctxt, topic, payload); err != nil {
				log.WithError(err).WithFields(logTags).Errorf("Unable to publish to '%s'", topic)
				errLock.Lock()
				allErrors = append(allErrors, fmt.Errorf("publish to '%s': %w", topic, err))
				errLock.Unlock()
				return err
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return errors.Join(allErrors...)
	}
	log.WithFields(logTags).Debugf("Published to %d accounts", len(accounts))
	return nil
}
