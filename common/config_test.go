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
	"bytes"
	"testing"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestViperConfigParsing(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	validate := validator.New()

	// Case 0: parse config with no defaults in place
	{
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 1: load the configs
	{
		var cfg SystemConfig
		InstallDefaultConfigValues()
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		assert.Equal("accelerator", cfg.Broker.Exchange)
		assert.Equal(5, cfg.Solana.Simulation.MaxAttempts)
		assert.Equal(int64(300), cfg.Solana.Simulation.RetryDelayDuration().Milliseconds())
		assert.Equal("http://127.0.0.1:8899", cfg.Solana.Endpoints.Localnet)
	}

	// Case 2: invalid config
	{
		config := []byte(`---
relay:
  api_server:
    server_config:
      listen_on: 1243`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 3: invalid config
	{
		config := []byte(`---
solana:
  simulation:
    max_attempts: 0`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 4: invalid exchange name
	{
		config := []byte(`---
broker:
  exchange: "accel.erator"`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 5: valid override
	{
		config := []byte(`---
solana:
  simulation:
    retry_delay_ms: 10`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		assert.Equal(10, cfg.Solana.Simulation.RetryDelay)
	}
}

func TestSubjectValidation(t *testing.T) {
	assert := assert.New(t)

	assert.Nil(ValidateSubjectToken("devnet9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"))
	assert.Nil(ValidateSubjectToken("mainnet-beta11111111111111111111111111111111"))
	assert.NotNil(ValidateSubjectToken(""))
	assert.NotNil(ValidateSubjectToken("devnet.acc"))
	assert.NotNil(ValidateSubjectToken("devnet*"))
	assert.NotNil(ValidateSubjectToken("devnet>"))
	assert.NotNil(ValidateSubjectToken("dev net"))
	assert.NotNil(ValidateSubjectToken("dev\tnet"))
}
