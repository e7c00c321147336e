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
	"errors"
	"fmt"
	"time"

	"github.com/alwitt/accelerator/common"
	"github.com/apex/log"
)

// Cluster a named Solana network environment
type Cluster string

// Supported clusters
const (
	Devnet      Cluster = "devnet"
	MainnetBeta Cluster = "mainnet-beta"
	Testnet     Cluster = "testnet"
	Localnet    Cluster = "localnet"
)

// ErrUnknownCluster the cluster name is not one of the supported clusters
var ErrUnknownCluster = errors.New("unknown cluster")

// ParseCluster convert a cluster name into a Cluster
func ParseCluster(name string) (Cluster, error) {
	switch Cluster(name) {
	case Devnet, MainnetBeta, Testnet, Localnet:
		return Cluster(name), nil
	default:
		return "", fmt.Errorf("%w: '%s'", ErrUnknownCluster, name)
	}
}

// Resolver maps a cluster to the client of its RPC endpoint
type Resolver interface {
	// Resolve fetch the network client of a cluster
	Resolve(cluster Cluster) (NetworkClient, error)
}

// staticResolver implements Resolver on a fixed set of clients
type staticResolver struct {
	clients map[Cluster]NetworkClient
}

// GetRPCResolver define a resolver with one RPC client per configured cluster endpoint
func GetRPCResolver(config common.SolanaConfig) (Resolver, error) {
	logTags := log.Fields{"module": "chain", "component": "resolver"}
	rpcTimeout := time.Second * time.Duration(config.RPCTimeout)
	endpoints := map[Cluster]string{
		Localnet:    config.Endpoints.Localnet,
		Devnet:      config.Endpoints.Devnet,
		Testnet:     config.Endpoints.Testnet,
		MainnetBeta: config.Endpoints.MainnetBeta,
	}
	clients := make(map[Cluster]NetworkClient, len(endpoints))
	for cluster, endpoint := range endpoints {
		client, err := GetRPCNetworkClient(cluster, endpoint, rpcTimeout)
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Unable to define %s client", cluster)
			return nil, err
		}
		clients[cluster] = client
	}
	return &staticResolver{clients: clients}, nil
}

// Resolve fetch the network client of a cluster
func (r *staticResolver) Resolve(cluster Cluster) (NetworkClient, error) {
	client, ok := r.clients[cluster]
	if !ok {
		return nil, fmt.Errorf("%w: '%s'", ErrUnknownCluster, cluster)
	}
	return client, nil
}
