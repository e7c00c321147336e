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

package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/go-playground/validator/v10"
)

// Message types
const (
	TypeTransaction = "transaction"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeError       = "error"
)

// Request is one inbound client request. It is one of
//
//   - *TransactionRequest
//   - *SubscribeRequest
//   - *UnsubscribeRequest
type Request interface {
	// RequestType the message type of the request
	RequestType() string
	isRequest()
}

// TransactionRequest submit a signed transaction for validation and fan-out
type TransactionRequest struct {
	Type             string    `json:"type" validate:"required,eq=transaction"`
	Cluster          string    `json:"cluster" validate:"required,oneof=devnet mainnet-beta testnet localnet"`
	TransactionBytes ByteArray `json:"transactionBytes" validate:"required,min=1"`
}

// RequestType the message type of the request
func (r *TransactionRequest) RequestType() string { return TypeTransaction }

func (r *TransactionRequest) isRequest() {}

// SubscribeRequest subscribe to the transactions of an account
type SubscribeRequest struct {
	Type    string `json:"type" validate:"required,eq=subscribe"`
	Cluster string `json:"cluster" validate:"required,oneof=devnet mainnet-beta testnet localnet"`
	// Account is the base58 encoding of a 32 byte public key. Other strings are
	// rejected.
	Account string `json:"account" validate:"required,solana_address"`
}

// RequestType the message type of the request
func (r *SubscribeRequest) RequestType() string { return TypeSubscribe }

func (r *SubscribeRequest) isRequest() {}

// UnsubscribeRequest remove a previous subscription
type UnsubscribeRequest struct {
	Type    string `json:"type" validate:"required,eq=unsubscribe"`
	Cluster string `json:"cluster,omitempty" validate:"omitempty,oneof=devnet mainnet-beta testnet localnet"`
	ID      string `json:"id" validate:"required"`
}

// RequestType the message type of the request
func (r *UnsubscribeRequest) RequestType() string { return TypeUnsubscribe }

func (r *UnsubscribeRequest) isRequest() {}

// requestHeader the fields common to all requests
type requestHeader struct {
	Type string `json:"type"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	if err := v.RegisterValidation("solana_address", func(fl validator.FieldLevel) bool {
		_, err := solana.PublicKeyFromBase58(fl.Field().String())
		return err == nil
	}); err != nil {
		panic(err)
	}
	return v
}

// DecodeRequest parse and validate one inbound client message
func DecodeRequest(raw []byte) (Request, error) {
	var header requestHeader
	if err := json.Unmarshal(raw, &header); err != nil {
		return nil, fmt.Errorf("malformed request: %w", err)
	}
	var request Request
	switch header.Type {
	case TypeTransaction:
		request = &TransactionRequest{}
	case TypeSubscribe:
		request = &SubscribeRequest{}
	case TypeUnsubscribe:
		request = &UnsubscribeRequest{}
	default:
		return nil, fmt.Errorf("unknown request type '%s'", header.Type)
	}
	if err := json.Unmarshal(raw, request); err != nil {
		return nil, fmt.Errorf("malformed %s request: %w", header.Type, err)
	}
	if err := validate.Struct(request); err != nil {
		return nil, fmt.Errorf("invalid %s request: %w", header.Type, err)
	}
	return request, nil
}

// ========================================================================================

// ErrorResponse report a failed request
type ErrorResponse struct {
	Type    string      `json:"type"`
	Error   string      `json:"error"`
	Details interface{} `json:"details,omitempty"`
}

// NewErrorResponse define an error response
func NewErrorResponse(reason string, details interface{}) ErrorResponse {
	return ErrorResponse{Type: TypeError, Error: reason, Details: details}
}

// SubscribeResponse acknowledge a subscription
type SubscribeResponse struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// NewSubscribeResponse define a subscribe acknowledgement
func NewSubscribeResponse(subscriptionID string) SubscribeResponse {
	return SubscribeResponse{Type: TypeSubscribe, ID: subscriptionID}
}

// UnsubscribeResponse acknowledge an unsubscribe
type UnsubscribeResponse struct {
	Type       string `json:"type"`
	Successful bool   `json:"successful"`
}

// NewUnsubscribeResponse define an unsubscribe acknowledgement
func NewUnsubscribeResponse() UnsubscribeResponse {
	return UnsubscribeResponse{Type: TypeUnsubscribe, Successful: true}
}

// TransactionNotification a validated transaction, sent to every subscriber of an
// account the transaction references
type TransactionNotification struct {
	Type             string    `json:"type"`
	Cluster          string    `json:"cluster"`
	TransactionBytes ByteArray `json:"transactionBytes"`
	// BlockTime ledger time in unix seconds when the transaction was validated
	BlockTime int64 `json:"blockTime"`
	// TxID transaction signature
	TxID string `json:"txid"`
}

// NewTransactionNotification define a validated transaction notification
func NewTransactionNotification(
	cluster string, raw []byte, blockTime int64, txID string,
) TransactionNotification {
	return TransactionNotification{
		Type:             TypeTransaction,
		Cluster:          cluster,
		TransactionBytes: raw,
		BlockTime:        blockTime,
		TxID:             txID,
	}
}
