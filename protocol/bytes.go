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
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
)

// ByteArray raw bytes carried as a JSON array of numbers.
//
// A base64 encoded JSON string is also accepted when decoding.
type ByteArray []byte

// MarshalJSON encode as an array of numbers
func (b ByteArray) MarshalJSON() ([]byte, error) {
	if b == nil {
		return []byte("null"), nil
	}
	var buf bytes.Buffer
	buf.Grow(len(b)*4 + 2)
	buf.WriteByte('[')
	for idx, oneByte := range b {
		if idx > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(strconv.Itoa(int(oneByte)))
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// UnmarshalJSON decode from an array of numbers, or a base64 string
func (b *ByteArray) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("empty byte array")
	}
	switch data[0] {
	case 'n':
		if string(data) != "null" {
			return fmt.Errorf("invalid byte array: %s", data)
		}
		*b = nil
		return nil
	case '"':
		var encoded string
		if err := json.Unmarshal(data, &encoded); err != nil {
			return err
		}
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return fmt.Errorf("invalid base64 byte array: %w", err)
		}
		*b = decoded
		return nil
	case '[':
		var values []int
		if err := json.Unmarshal(data, &values); err != nil {
			return err
		}
		decoded := make([]byte, len(values))
		for idx, value := range values {
			if value < 0 || value > 255 {
				return fmt.Errorf("byte array value %d at index %d out of range", value, idx)
			}
			decoded[idx] = byte(value)
		}
		*b = decoded
		return nil
	default:
		return fmt.Errorf("invalid byte array: %s", data)
	}
}
