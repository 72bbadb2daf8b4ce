// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package db

// Op is the operation of a Request.
type Op int

const (
	// AddChange creates the entry or updates it.
	AddChange Op = iota
	// Delete removes the entry, or the part of it that the request names.
	Delete
)

func (o Op) String() string {
	switch o {
	case AddChange:
		return "add/change"
	case Delete:
		return "delete"
	}
	return "unknown"
}

// A Request is a change to a table that is applied by the table's input
// handler, on the partition that owns the key.
type Request struct {
	Op  Op
	Key []byte
	// Data is interpreted by the table's input handler.
	Data any
}
