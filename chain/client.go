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

package chain

import (
	"context"
	"fmt"
	"time"

	"github.com/alwitt/accelerator/common"
	"github.com/apex/log"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// SimulationOutcome result of simulating a transaction
type SimulationOutcome struct {
	// Err error reported by the node. nil if the simulation succeeded.
	Err interface{}
}

// NetworkClient the operations the relay needs from a cluster's RPC endpoint
type NetworkClient interface {
	// Simulate simulate the execution of a transaction
	Simulate(ctxt context.Context, tx *solana.Transaction) (SimulationOutcome, error)
	// ReadAccount read the data of an account
	ReadAccount(ctxt context.Context, address solana.PublicKey) ([]byte, error)
	// SubmitRaw send a serialized transaction without pre-flight checks, returning
	// its signature
	SubmitRaw(ctxt context.Context, raw []byte) (string, error)
}

// rpcNetworkClient implements NetworkClient with the Solana JSON RPC client
type rpcNetworkClient struct {
	common.Component
	client  *rpc.Client
	timeout time.Duration
}

// GetRPCNetworkClient define a new network client on a RPC endpoint
func GetRPCNetworkClient(
	cluster Cluster, endpoint string, timeout time.Duration,
) (NetworkClient, error) {
	logTags := log.Fields{
		"module":    "chain",
		"component": "rpc-client",
		"instance":  string(cluster),
		"endpoint":  endpoint,
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("RPC timeout must be positive: %s", timeout)
	}
	return &rpcNetworkClient{
		Component: common.Component{LogTags: logTags},
		client:    rpc.New(endpoint),
		timeout:   timeout,
	}, nil
}

// Simulate simulate the execution of a transaction
func (c *rpcNetworkClient) Simulate(
	ctxt context.Context, tx *solana.Transaction,
) (SimulationOutcome, error) {
	lclCtxt, cancel := context.WithTimeout(ctxt, c.timeout)
	defer cancel()
	resp, err := c.client.SimulateTransaction(lclCtxt, tx)
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Simulation call failed")
		return SimulationOutcome{}, err
	}
	if resp == nil || resp.Value == nil {
		return SimulationOutcome{}, fmt.Errorf("simulation returned no result")
	}
	return SimulationOutcome{Err: resp.Value.Err}, nil
}

// ReadAccount read the data of an account
func (c *rpcNetworkClient) ReadAccount(
	ctxt context.Context, address solana.PublicKey,
) ([]byte, error) {
	lclCtxt, cancel := context.WithTimeout(ctxt, c.timeout)
	defer cancel()
	resp, err := c.client.GetAccountInfo(lclCtxt, address)
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Unable to read account %s", address)
		return nil, err
	}
	if resp == nil || resp.Value == nil || resp.Value.Data == nil {
		return nil, fmt.Errorf("account %s has no data", address)
	}
	return resp.Value.Data.GetBinary(), nil
}

// SubmitRaw send a serialized transaction without pre-flight checks
func (c *rpcNetworkClient) SubmitRaw(ctxt context.Context, raw []byte) (string, error) {
	lclCtxt, cancel := context.WithTimeout(ctxt, c.timeout)
	defer cancel()
	sig, err := c.client.SendRawTransactionWithOpts(
		lclCtxt, raw, rpc.TransactionOpts{SkipPreflight: true},
	)
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Transaction submission failed")
		return "", err
	}
	return sig.String(), nil
}
