// Copyright 2026 The Commandfeed Authors
// SPDX-License-Identifier: Apache-2.0

package command

import (
	"encoding/json"
	"fmt"
)

// Event names used on the wire. A bulk envelope is a JSON object
// mapping event name to an array of raw events of that variant.
const (
	EventNameStarted            = "CommandStartedEvent"
	EventNameCompleted          = "CommandCompletedEvent"
	EventNameSoftDeleted        = "CommandSoftDeleteEvent"
	EventNameDropped            = "CommandDroppedEvent"
	EventNamePending            = "CommandPendingEvent"
	EventNameFailed             = "CommandFailedEvent"
	EventNameUnexpected         = "CommandUnexpectedEvent"
	EventNameVerificationFailed = "CommandVerificationFailedEvent"
	EventNameRawData            = "CommandRawDataEvent"
	EventNameSentToAgent        = "CommandSentToAgentEvent"
)

// EventName returns the wire name for an event variant.
func EventName(event LifecycleEvent) string {
	var namer eventNamer
	event.Accept(&namer)
	return namer.name
}

type eventNamer struct{ name string }

func (n *eventNamer) VisitStarted(*StartedEvent)         { n.name = EventNameStarted }
func (n *eventNamer) VisitCompleted(*CompletedEvent)     { n.name = EventNameCompleted }
func (n *eventNamer) VisitSoftDeleted(*SoftDeletedEvent) { n.name = EventNameSoftDeleted }
func (n *eventNamer) VisitDropped(*DroppedEvent)         { n.name = EventNameDropped }
func (n *eventNamer) VisitPending(*PendingEvent)         { n.name = EventNamePending }
func (n *eventNamer) VisitFailed(*FailedEvent)           { n.name = EventNameFailed }
func (n *eventNamer) VisitUnexpected(*UnexpectedEvent)   { n.name = EventNameUnexpected }
func (n *eventNamer) VisitVerificationFailed(*VerificationFailedEvent) {
	n.name = EventNameVerificationFailed
}
func (n *eventNamer) VisitRawData(*RawDataEvent)         { n.name = EventNameRawData }
func (n *eventNamer) VisitSentToAgent(*SentToAgentEvent) { n.name = EventNameSentToAgent }

// ParseBulk decodes a bulk lifecycle envelope: a JSON object keyed by
// event name, each value an array of events of that variant. Unknown
// event names are an error; the stream contract is closed and a new
// name means a publisher this worker does not understand yet.
func ParseBulk(data []byte) ([]LifecycleEvent, error) {
	var envelope map[string][]json.RawMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("command: decoding bulk envelope: %w", err)
	}

	var events []LifecycleEvent
	for name, rawEvents := range envelope {
		for _, raw := range rawEvents {
			event, err := parseEvent(name, raw)
			if err != nil {
				return nil, err
			}
			events = append(events, event)
		}
	}
	return events, nil
}

func parseEvent(name string, raw json.RawMessage) (LifecycleEvent, error) {
	var event LifecycleEvent
	switch name {
	case EventNameStarted:
		event = &StartedEvent{}
	case EventNameCompleted:
		event = &CompletedEvent{}
	case EventNameSoftDeleted:
		event = &SoftDeletedEvent{}
	case EventNameDropped:
		event = &DroppedEvent{}
	case EventNamePending:
		event = &PendingEvent{}
	case EventNameFailed:
		event = &FailedEvent{}
	case EventNameUnexpected:
		event = &UnexpectedEvent{}
	case EventNameVerificationFailed:
		event = &VerificationFailedEvent{}
	case EventNameRawData:
		event = &RawDataEvent{}
	case EventNameSentToAgent:
		event = &SentToAgentEvent{}
	default:
		return nil, fmt.Errorf("command: unknown lifecycle event name %q", name)
	}

	if err := json.Unmarshal(raw, event); err != nil {
		return nil, fmt.Errorf("command: decoding %s: %w", name, err)
	}
	return event, nil
}
