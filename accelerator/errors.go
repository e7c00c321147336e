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
	"encoding/json"
	"fmt"
)

// CallerError the request itself is at fault: unknown cluster, undecodable
// transaction. Reported back to the caller.
type CallerError struct {
	Reason string
	Err    error
}

func (e *CallerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *CallerError) Unwrap() error {
	return e.Err
}

// SimulationError the node rejected the transaction during simulation
type SimulationError struct {
	// Detail the error value reported by the node
	Detail interface{}
	// Attempts number of simulations performed
	Attempts int
}

func (e *SimulationError) Error() string {
	detail, err := json.Marshal(e.Detail)
	if err != nil {
		return fmt.Sprintf("transaction simulation failed after %d attempt(s): %v", e.Attempts, e.Detail)
	}
	return fmt.Sprintf("transaction simulation failed after %d attempt(s): %s", e.Attempts, detail)
}
