package models

import (
	"encoding/json"
	"time"
)

type Channel string

const (
	ChannelWeb      Channel = "web"
	ChannelSMS      Channel = "sms"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelVoice    Channel = "voice"
	ChannelBot      Channel = "bot"
)

// Valid reports whether c is one of the known intake channels.
func (c Channel) Valid() bool {
	switch c {
	case ChannelWeb, ChannelSMS, ChannelWhatsApp, ChannelVoice, ChannelBot:
		return true
	}
	return false
}

// RequiresReply is true for channels whose adapter relays a synchronous text
// reply back to the caller.
func (c Channel) RequiresReply() bool {
	switch c {
	case ChannelSMS, ChannelWhatsApp, ChannelVoice, ChannelBot:
		return true
	}
	return false
}

type Status string

const (
	StatusOpen    Status = "open"
	StatusUrgent  Status = "urgent"
	StatusClaimed Status = "claimed"
	StatusClosed  Status = "closed"
)

// Queued is true while the request waits for a helper.
func (s Status) Queued() bool {
	return s == StatusOpen || s == StatusUrgent
}

type Sender string

const (
	SenderCaller Sender = "caller"
	SenderHelper Sender = "helper"
	SenderAI     Sender = "ai"
	SenderSystem Sender = "system"
)

func (s Sender) Valid() bool {
	switch s {
	case SenderCaller, SenderHelper, SenderAI, SenderSystem:
		return true
	}
	return false
}

// SystemActor is the actor id used by adapters and background jobs when they
// close a request on the caller's behalf.
const SystemActor = "system"

type Request struct {
	ID            string    `json:"id"`
	Channel       Channel   `json:"channel"`
	ExternalID    *string   `json:"external_id,omitempty"`
	UserID        *string   `json:"user_id,omitempty"`
	ReferenceCode string    `json:"-"`
	Summary       string    `json:"summary"`
	Risk          float64   `json:"risk"`
	Tags          []string  `json:"tags"`
	Status        Status    `json:"status"`
	ClaimedBy     *string   `json:"claimed_by,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type Message struct {
	ID        int64     `json:"id"`
	RequestID string    `json:"request_id"`
	Sender    Sender    `json:"sender"`
	Content   string    `json:"content"`
	TS        time.Time `json:"ts"`
}

type Profile struct {
	ID       string `json:"id"`
	IsHelper bool   `json:"is_helper"`
}

// Assessment is the Risk Classifier output.
type Assessment struct {
	Summary string   `json:"summary"`
	Risk    float64  `json:"risk"`
	Tags    []string `json:"tags"`
}

type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "candidate"
)

func (k SignalKind) Valid() bool {
	return k == SignalOffer || k == SignalAnswer || k == SignalCandidate
}

type SignalingMessage struct {
	RequestID string          `json:"request_id"`
	From      string          `json:"from"`
	Kind      SignalKind      `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
}

type QueueEventKind string

const (
	QueueQueued   QueueEventKind = "queued"
	QueueDequeued QueueEventKind = "dequeued"
)

// QueueEvent is what the helper queue stream emits for each request change.
type QueueEvent struct {
	Kind    QueueEventKind `json:"kind"`
	Request Request        `json:"request"`
}
