// Copyright 2026 The Commandfeed Authors
// SPDX-License-Identifier: Apache-2.0

// Package command defines the identifiers and lifecycle events of the
// privacy command feed: the opaque IDs that scope a command to one
// agent's asset group, and the tagged union of lifecycle notifications
// that agents emit while executing a command.
package command

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// CommandID identifies one privacy command (delete, export, account
// close, age out). Immutable once created.
type CommandID string

// NewCommandID returns a fresh random CommandID.
func NewCommandID() CommandID { return CommandID(uuid.NewString()) }

// IsZero reports whether the ID is empty.
func (id CommandID) IsZero() bool { return id == "" }

func (id CommandID) String() string { return string(id) }

// MarshalText implements encoding.TextMarshaler so IDs serialize as
// plain strings in CBOR and JSON.
func (id CommandID) MarshalText() ([]byte, error) { return []byte(id), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *CommandID) UnmarshalText(text []byte) error {
	*id = CommandID(text)
	return nil
}

// AgentID identifies an external data-processing partner.
type AgentID string

// IsZero reports whether the ID is empty or the all-zero UUID. The
// lifecycle publisher emits completion records with a zero agent ID
// for a different generation of agents; those are not tracked here.
func (id AgentID) IsZero() bool {
	return id == "" || id == AgentID(uuid.Nil.String())
}

func (id AgentID) String() string { return string(id) }

func (id AgentID) MarshalText() ([]byte, error) { return []byte(id), nil }

func (id *AgentID) UnmarshalText(text []byte) error {
	*id = AgentID(text)
	return nil
}

// AssetGroupID identifies one partition of an agent's data holdings.
type AssetGroupID string

func (id AssetGroupID) String() string { return string(id) }

func (id AssetGroupID) MarshalText() ([]byte, error) { return []byte(id), nil }

func (id *AssetGroupID) UnmarshalText(text []byte) error {
	*id = AssetGroupID(text)
	return nil
}

// StatusKey is the unit of per-agent status tracking: one agent's one
// asset group. Used as the map key in status, audit, and export
// destination maps.
type StatusKey struct {
	AgentID      AgentID
	AssetGroupID AssetGroupID
}

func (k StatusKey) String() string {
	return fmt.Sprintf("%s/%s", k.AgentID, k.AssetGroupID)
}

// MarshalText lets StatusKey serve as a JSON/CBOR map key, encoded as
// "agentID/assetGroupID". Neither ID may contain a slash; both are
// UUIDs in practice.
func (k StatusKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText parses the "agentID/assetGroupID" form.
func (k *StatusKey) UnmarshalText(text []byte) error {
	agent, assetGroup, ok := strings.Cut(string(text), "/")
	if !ok {
		return fmt.Errorf("command: malformed status key %q", text)
	}
	k.AgentID = AgentID(agent)
	k.AssetGroupID = AssetGroupID(assetGroup)
	return nil
}

// Type classifies a privacy command.
type Type string

const (
	TypeDelete       Type = "delete"
	TypeExport       Type = "export"
	TypeAccountClose Type = "account-close"
	TypeAgeOut       Type = "age-out"
)

// Subject types carried on a command. Consumer ("msa") subjects are
// the only ones whose export output is transcoded to CSV.
const (
	SubjectMSA = "msa"
	SubjectAAD = "aad"
)
