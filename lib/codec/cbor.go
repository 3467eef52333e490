// Copyright 2026 The Commandfeed Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the CBOR encoding used for queue work-item
// payloads. Work items are encoded with Core Deterministic Encoding
// (RFC 8949 §4.2) so that the same logical item always produces
// identical bytes; the queue's publish-with-split logic measures
// encoded size before deciding whether to halve a batch, and size must
// not vary between the measuring encode and the publishing encode.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode
var decMode cbor.DecMode

func init() {
	var err error

	opts := cbor.CoreDetEncOptions()
	// Identifier types (command.CommandID, command.AgentID, and so on)
	// implement encoding.TextMarshaler; encode them as CBOR text
	// strings rather than empty maps of unexported fields.
	opts.TextMarshaler = cbor.TextMarshalerTextString
	encMode, err = opts.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Queue payloads only ever use string map keys; decode
		// any-typed targets as map[string]any so they interoperate
		// with encoding/json consumers.
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v. Unknown fields are ignored for
// forward compatibility: a newer publisher may add fields that an
// older worker has not learned yet.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// RawMessage is a raw encoded CBOR value, re-exported so consumers
// import only lib/codec.
type RawMessage = cbor.RawMessage
