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
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// DecodeTransaction parse a wire format transaction
func DecodeTransaction(raw []byte) (*solana.Transaction, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty transaction")
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return nil, fmt.Errorf("undecodable transaction: %w", err)
	}
	if len(tx.Message.AccountKeys) == 0 {
		return nil, fmt.Errorf("transaction references no accounts")
	}
	return tx, nil
}

// DistinctAccounts the accounts a transaction references, each listed once in order
// of first reference
func DistinctAccounts(tx *solana.Transaction) []string {
	seen := make(map[solana.PublicKey]bool, len(tx.Message.AccountKeys))
	accounts := make([]string, 0, len(tx.Message.AccountKeys))
	for _, key := range tx.Message.AccountKeys {
		if seen[key] {
			continue
		}
		seen[key] = true
		accounts = append(accounts, key.String())
	}
	return accounts
}

// ClockSysvar content of the Clock sysvar account
type ClockSysvar struct {
	Slot                uint64
	EpochStartTimestamp int64
	Epoch               uint64
	LeaderScheduleEpoch uint64
	// UnixTimestamp the estimated ledger time in unix seconds
	UnixTimestamp int64
}

// clockSysvarSize serialized size of ClockSysvar
const clockSysvarSize = 40

// DecodeClock parse the Clock sysvar account data
func DecodeClock(data []byte) (ClockSysvar, error) {
	var clock ClockSysvar
	if len(data) < clockSysvarSize {
		return clock, fmt.Errorf("clock sysvar data too short: %dB", len(data))
	}
	if err := bin.NewBinDecoder(data).Decode(&clock); err != nil {
		return clock, fmt.Errorf("undecodable clock sysvar: %w", err)
	}
	return clock, nil
}

// blockhashNotFound simulation error reported when the node does not know the
// transaction's recent blockhash
const blockhashNotFound = "BlockhashNotFound"

// IsBlockhashNotFound whether a simulation error is the transient blockhash not found
func IsBlockhashNotFound(simulationErr interface{}) bool {
	reason, ok := simulationErr.(string)
	return ok && reason == blockhashNotFound
}
