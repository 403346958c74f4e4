// Copyright 2024 The upgradecheck Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cluster

import "strconv"

// ErrorCode is a numeric command error code as reported by the routers.
type ErrorCode int32

const (
	CodeOK                ErrorCode = 0
	CodeFailedToParse     ErrorCode = 9
	CodeNamespaceNotFound ErrorCode = 26
	CodeCommandNotFound   ErrorCode = 59
	CodeInvalidOptions    ErrorCode = 72
	CodeTransactionTooOld ErrorCode = 225
	CodeSnapshotTooOld    ErrorCode = 239
)

var codeNames = map[ErrorCode]string{
	CodeOK:                "OK",
	CodeFailedToParse:     "FailedToParse",
	CodeNamespaceNotFound: "NamespaceNotFound",
	CodeCommandNotFound:   "CommandNotFound",
	CodeInvalidOptions:    "InvalidOptions",
	CodeTransactionTooOld: "TransactionTooOld",
	CodeSnapshotTooOld:    "SnapshotTooOld",
}

func (c ErrorCode) String() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return "Code(" + strconv.Itoa(int(c)) + ")"
}
