// Package realtime is the fanout plane: it bridges the shared broadcast
// channels to the WebSocket sockets a gateway instance holds, applying the
// per-event recipient mapping and visibility filter.
package realtime

import "encoding/json"

// Frame types exchanged with clients.
const (
	FrameConnected       = "connection.established"
	FrameBusinessEvent   = "business-event"
	FrameJourneyLocation = "journey:location"
	FrameJourneyEnded    = "journey:ended"

	FrameSubscribeJourney      = "subscribe:journey"
	FrameSubscribeJourneyOK    = "subscribe:journey:ok"
	FrameSubscribeJourneyError = "subscribe:journey:error"
	FrameUnsubscribeJourney    = "unsubscribe:journey"

	FramePing = "ping"
	FramePong = "pong"
)

// ClientFrame is what sockets send: room subscriptions and pings.
type ClientFrame struct {
	Type      string `json:"type"`
	JourneyID string `json:"journeyId,omitempty"`
}

// ServerFrame is what sockets receive. Event carries the enriched event for
// business-event frames; Payload carries journey channel messages.
type ServerFrame struct {
	Type      string          `json:"type"`
	SocketID  string          `json:"socketId,omitempty"`
	JourneyID string          `json:"journeyId,omitempty"`
	Message   string          `json:"message,omitempty"`
	Event     json.RawMessage `json:"event,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}
