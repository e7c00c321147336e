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

package common

import (
	"time"

	"github.com/spf13/viper"
)

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for connecting to NATS server
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds.
	//
	// The relay will not start if the initial connection is not made within this window.
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required"`
}

// ===============================================================================
// Broker Gateway Related Config

// BrokerConfig defines how the relay uses the broker
type BrokerConfig struct {
	// Exchange is the subject namespace all topics are published under
	Exchange string `mapstructure:"exchange" json:"exchange" validate:"required,alphanum"`
	// QueueBuffer is the number of received messages which can be buffered before the
	// consume loop picks them up
	QueueBuffer int `mapstructure:"queue_buffer" json:"queue_buffer" validate:"gte=1"`
	// PublishTimeout is the max duration for the broker to accept a publish in seconds
	PublishTimeout int `mapstructure:"publish_timeout_sec" json:"publish_timeout_sec" validate:"gte=1"`
}

// ===============================================================================
// Solana Network Related Config

// ClusterEndpointsConfig defines the RPC endpoint of each supported cluster
type ClusterEndpointsConfig struct {
	// Localnet is the RPC endpoint of "localnet"
	Localnet string `mapstructure:"localnet" json:"localnet" validate:"required,url"`
	// Devnet is the RPC endpoint of "devnet"
	Devnet string `mapstructure:"devnet" json:"devnet" validate:"required,url"`
	// Testnet is the RPC endpoint of "testnet"
	Testnet string `mapstructure:"testnet" json:"testnet" validate:"required,url"`
	// MainnetBeta is the RPC endpoint of "mainnet-beta"
	MainnetBeta string `mapstructure:"mainnet_beta" json:"mainnet_beta" validate:"required,url"`
}

// SimulationConfig defines the transaction simulation retry policy
type SimulationConfig struct {
	// MaxAttempts is the total number of simulation attempts when the node reports
	// the transaction blockhash as not found
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=1"`
	// RetryDelay is the delay between simulation attempts in milliseconds
	RetryDelay int `mapstructure:"retry_delay_ms" json:"retry_delay_ms" validate:"gte=0"`
}

// SolanaConfig defines parameters for interacting with the Solana clusters
type SolanaConfig struct {
	// Endpoints are the cluster RPC endpoints
	Endpoints ClusterEndpointsConfig `mapstructure:"endpoints" json:"endpoints" validate:"required"`
	// Simulation is the simulation retry policy
	Simulation SimulationConfig `mapstructure:"simulation" json:"simulation" validate:"required"`
	// RPCTimeout is the max duration of a single RPC call in seconds
	RPCTimeout int `mapstructure:"rpc_timeout_sec" json:"rpc_timeout_sec" validate:"gte=1"`
}

// RetryDelayDuration converts the simulation retry delay into time.Duration
func (c SimulationConfig) RetryDelayDuration() time.Duration {
	return time.Millisecond * time.Duration(c.RetryDelay)
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required"`
}

// ===============================================================================
// Relay Server Related Config

// RelayEndpointConfig defines relay API endpoint config
type RelayEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the relay APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// SessionConfig defines the limits of one client websocket session
type SessionConfig struct {
	// MaxInflightRequests is the max number of requests of one session processed in parallel
	MaxInflightRequests int64 `mapstructure:"max_inflight_requests" json:"max_inflight_requests" validate:"gte=1"`
	// OutboundBuffer is the number of outbound frames buffered per session
	OutboundBuffer int `mapstructure:"outbound_buffer" json:"outbound_buffer" validate:"gte=1"`
	// CleanupRetryInterval is the interval between retries of subscription removals which
	// failed while closing a session, in seconds
	CleanupRetryInterval int `mapstructure:"cleanup_retry_interval_sec" json:"cleanup_retry_interval_sec" validate:"gte=1"`
	// KeepAliveInterval is the interval between websocket pings in seconds
	KeepAliveInterval int `mapstructure:"keep_alive_interval_sec" json:"keep_alive_interval_sec" validate:"gte=1"`
	// MaxMessageSize is the max size of one inbound websocket message in bytes
	MaxMessageSize int64 `mapstructure:"max_message_size" json:"max_message_size" validate:"gte=1024"`
}

// RelayServerConfig defines configuration for the relay server
type RelayServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the relay server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required"`
	// Endpoints is the API endpoint config parameters for the relay server
	Endpoints RelayEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required"`
	// Session is the client session limits
	Session SessionConfig `mapstructure:"session" json:"session" validate:"required"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config used by the relay
type SystemConfig struct {
	// NATS are the NATS related config parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required"`
	// Broker are the broker gateway config parameters
	Broker BrokerConfig `mapstructure:"broker" json:"broker" validate:"required"`
	// Solana are the Solana network config parameters
	Solana SolanaConfig `mapstructure:"solana" json:"solana" validate:"required"`
	// Relay are the relay server configs
	Relay RelayServerConfig `mapstructure:"relay" json:"relay" validate:"required"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default NATS settings
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)

	// Default broker gateway settings
	viper.SetDefault("broker.exchange", "accelerator")
	viper.SetDefault("broker.queue_buffer", 1024)
	viper.SetDefault("broker.publish_timeout_sec", 5)

	// Default Solana settings
	viper.SetDefault("solana.endpoints.localnet", "http://127.0.0.1:8899")
	viper.SetDefault("solana.endpoints.devnet", "https://api.devnet.solana.com")
	viper.SetDefault("solana.endpoints.testnet", "https://api.testnet.solana.com")
	viper.SetDefault("solana.endpoints.mainnet_beta", "https://api.mainnet-beta.solana.com")
	viper.SetDefault("solana.simulation.max_attempts", 5)
	viper.SetDefault("solana.simulation.retry_delay_ms", 300)
	viper.SetDefault("solana.rpc_timeout_sec", 30)

	// Default relay server settings
	viper.SetDefault("relay.endpoint_config.path_prefix", "/")
	viper.SetDefault("relay.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("relay.api_server.server_config.listen_port", 8080)
	viper.SetDefault("relay.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("relay.api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("relay.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"relay.api_server.logging_config.request_id_header", "Accelerator-Request-ID",
	)
	viper.SetDefault(
		"relay.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
	viper.SetDefault("relay.session.max_inflight_requests", 16)
	viper.SetDefault("relay.session.outbound_buffer", 64)
	viper.SetDefault("relay.session.cleanup_retry_interval_sec", 5)
	viper.SetDefault("relay.session.keep_alive_interval_sec", 30)
	viper.SetDefault("relay.session.max_message_size", 1<<20)
}
