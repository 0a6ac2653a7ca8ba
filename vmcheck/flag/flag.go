// Copyright 2026 The gVisor Authors.
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


// Package flag wraps Go's flag package. Every package of vmcheck imports
// this one instead so that the flag type aliases and Get stay in one place.
package flag

import (
	"flag"
)

type (
	// FlagSet is an alias for flag.FlagSet.
	FlagSet = flag.FlagSet

	// Flag is an alias for flag.Flag.
	Flag = flag.Flag

	// Value is an alias for flag.Value.
	Value = flag.Value

	// Getter is an alias for flag.Getter.
	Getter = flag.Getter
)

// Aliases for flag functions.
var (
	Bool        = flag.Bool
	CommandLine = flag.CommandLine
	Int         = flag.Int
	Lookup      = flag.Lookup
	NewFlagSet  = flag.NewFlagSet
	Parse       = flag.Parse
	String      = flag.String
	Uint64      = flag.Uint64
	Var         = flag.Var
)

// ContinueOnError is an alias for flag.ContinueOnError.
const ContinueOnError = flag.ContinueOnError

// Get returns the flag's underlying object.
func Get(v Value) any {
	return v.(Getter).Get()
}
