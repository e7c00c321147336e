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
	"fmt"
	"strings"
	"unicode"
)

// ValidateSubjectToken verify a string can be used as one token of a NATS subject.
//
// Routing keys are placed under the exchange namespace as a single token, so
// the token separator and the wildcards are not permitted.
func ValidateSubjectToken(token string) error {
	if len(token) == 0 {
		return fmt.Errorf("subject token is empty")
	}
	if strings.ContainsAny(token, ".*>") {
		return fmt.Errorf("subject token '%s' contains reserved characters", token)
	}
	for _, c := range token {
		if unicode.IsSpace(c) || !unicode.IsPrint(c) {
			return fmt.Errorf("subject token '%s' contains whitespace or control characters", token)
		}
	}
	return nil
}
