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

package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/alwitt/accelerator/protocol"
	"github.com/apex/log"
	apexJSON "github.com/apex/log/handlers/json"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/urfave/cli/v2"
)

type subscribeArgs struct {
	Account string `json:"account" validate:"required"`
}

type submitArgs struct {
	TxFile      string        `json:"tx_file" validate:"required,file"`
	WaitForErrs time.Duration `json:"wait_for_errors"`
}

type cmdArgs struct {
	JSONLog   bool
	LogLevel  string `validate:"required,oneof=debug info warn error"`
	RelayURL  string `json:"relay_url" validate:"required,url"`
	Cluster   string `json:"cluster" validate:"required,oneof=devnet mainnet-beta testnet localnet"`
	Subscribe subscribeArgs `validate:"-"`
	Submit    submitArgs    `validate:"-"`
}

var args cmdArgs

func main() {
	app := &cli.App{
		Usage:       "accelerator relay client",
		Description: "Subscribe to account notifications, or submit transactions, through a relay",
		Flags: []cli.Flag{
			// LOGGING
			&cli.BoolFlag{
				Name:        "json-log",
				Usage:       "Whether to log in JSON format",
				Aliases:     []string{"j"},
				EnvVars:     []string{"LOG_AS_JSON"},
				Value:       false,
				DefaultText: "false",
				Destination: &args.JSONLog,
				Required:    false,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "Logging level: [debug info warn error]",
				Aliases:     []string{"l"},
				EnvVars:     []string{"LOG_LEVEL"},
				Value:       "info",
				DefaultText: "info",
				Destination: &args.LogLevel,
				Required:    false,
			},
			// Relay
			&cli.StringFlag{
				Name:        "relay-url",
				Usage:       "Relay client channel URL",
				Aliases:     []string{"u"},
				EnvVars:     []string{"RELAY_URL"},
				Value:       "ws://127.0.0.1:8080/accelerator",
				DefaultText: "ws://127.0.0.1:8080/accelerator",
				Destination: &args.RelayURL,
				Required:    false,
			},
			&cli.StringFlag{
				Name:        "cluster",
				Usage:       "Solana cluster: [devnet mainnet-beta testnet localnet]",
				Aliases:     []string{"c"},
				EnvVars:     []string{"CLUSTER"},
				Value:       "devnet",
				DefaultText: "devnet",
				Destination: &args.Cluster,
				Required:    false,
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "subscribe",
				Usage: "Print the validated transactions of an account",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:        "account",
						Usage:       "Account address",
						Aliases:     []string{"a"},
						EnvVars:     []string{"ACCOUNT"},
						Destination: &args.Subscribe.Account,
						Required:    true,
					},
				},
				Action: runSubscribe,
			},
			{
				Name:  "submit",
				Usage: "Submit a base64 encoded signed transaction",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:        "tx-file",
						Usage:       "File holding the base64 encoded transaction",
						Aliases:     []string{"f"},
						Destination: &args.Submit.TxFile,
						Required:    true,
					},
					&cli.DurationFlag{
						Name:        "wait-for-errors",
						Usage:       "How long to wait for an error report from the relay",
						Aliases:     []string{"w"},
						Value:       time.Second * 5,
						DefaultText: "5s",
						Destination: &args.Submit.WaitForErrs,
						Required:    false,
					},
				},
				Action: runSubmit,
			},
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		log.WithError(err).Fatal("Program shutdown")
	}
}

// setup validate the input and prepare the logging
func setup(target interface{}) error {
	validate := validator.New()
	if err := validate.Struct(&args); err != nil {
		return err
	}
	if err := validate.Struct(target); err != nil {
		return err
	}
	if args.JSONLog {
		log.SetHandler(apexJSON.New(os.Stderr))
	}
	switch args.LogLevel {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetLevel(log.ErrorLevel)
	}
	tmp, _ := json.Marshal(&args)
	log.Debugf("Starting params %s", tmp)
	return nil
}

// connect open the client channel, closing it when the context ends
func connect(ctxt context.Context) (*websocket.Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctxt, args.RelayURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("relay refused session (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, err
	}
	go func() {
		<-ctxt.Done()
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		_ = conn.Close()
	}()
	return conn, nil
}

func runSubscribe(c *cli.Context) error {
	if err := setup(&args.Subscribe); err != nil {
		return err
	}
	ctxt, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	conn, err := connect(ctxt)
	if err != nil {
		log.WithError(err).Errorf("Unable to connect to %s", args.RelayURL)
		return err
	}

	if err := conn.WriteJSON(map[string]string{
		"type":    protocol.TypeSubscribe,
		"cluster": args.Cluster,
		"account": args.Subscribe.Account,
	}); err != nil {
		log.WithError(err).Error("Unable to send subscribe request")
		return err
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctxt.Err() != nil {
				return nil
			}
			log.WithError(err).Error("Connection lost")
			return err
		}
		var header struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &header); err != nil {
			log.WithError(err).Errorf("Unparsable message: %s", raw)
			continue
		}
		switch header.Type {
		case protocol.TypeSubscribe:
			var ack protocol.SubscribeResponse
			_ = json.Unmarshal(raw, &ack)
			log.Infof("Subscribed to %s on %s as %s", args.Subscribe.Account, args.Cluster, ack.ID)
		case protocol.TypeTransaction:
			var notification protocol.TransactionNotification
			if err := json.Unmarshal(raw, &notification); err != nil {
				log.WithError(err).Errorf("Unparsable notification: %s", raw)
				continue
			}
			fmt.Printf(
				"%s %s %s\n",
				time.Unix(notification.BlockTime, 0).UTC().Format(time.RFC3339),
				notification.Cluster,
				notification.TxID,
			)
		case protocol.TypeError:
			log.Errorf("Relay error: %s", raw)
		default:
			log.Debugf("Ignoring %s", raw)
		}
	}
}

func runSubmit(c *cli.Context) error {
	if err := setup(&args.Submit); err != nil {
		return err
	}
	encoded, err := os.ReadFile(args.Submit.TxFile)
	if err != nil {
		log.WithError(err).Errorf("Unable to read %s", args.Submit.TxFile)
		return err
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(encoded)))
	if err != nil {
		log.WithError(err).Error("Transaction is not base64 encoded")
		return err
	}

	ctxt, cancel := context.WithTimeout(context.Background(), args.Submit.WaitForErrs)
	defer cancel()
	conn, err := connect(ctxt)
	if err != nil {
		log.WithError(err).Errorf("Unable to connect to %s", args.RelayURL)
		return err
	}

	request := protocol.TransactionRequest{
		Type:             protocol.TypeTransaction,
		Cluster:          args.Cluster,
		TransactionBytes: raw,
	}
	if err := conn.WriteJSON(&request); err != nil {
		log.WithError(err).Error("Unable to send transaction")
		return err
	}

	// The relay only replies on failure
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctxt.Err() != nil {
				log.Infof("No error reported within %s", args.Submit.WaitForErrs)
				return nil
			}
			return err
		}
		var resp protocol.ErrorResponse
		if err := json.Unmarshal(msg, &resp); err == nil && resp.Type == protocol.TypeError {
			return fmt.Errorf("relay rejected transaction: %s", msg)
		}
	}
}
