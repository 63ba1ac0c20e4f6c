package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/crisisline/backend/internal/models"
)

const maxSignalPeers = 2

var (
	ErrRelayFull      = errors.New("realtime: signaling session already has two participants")
	ErrInvalidSignal  = errors.New("realtime: invalid signaling message")
	ErrPeerDisconnect = errors.New("realtime: peer left")
)

// Relay passes session negotiation payloads between the two participants of
// one request over the signal:{requestID} topic. Nothing is stored; a peer
// that joins late only sees what is published after it joined.
type Relay struct {
	bus    Bus
	logger zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*signalSession
}

type signalSession struct {
	peers map[string]int
}

func NewRelay(bus Bus, logger zerolog.Logger) *Relay {
	return &Relay{
		bus:      bus,
		logger:   logger,
		sessions: map[string]*signalSession{},
	}
}

// Join admits participant to the request's signaling session. The same
// participant may hold several connections; a third distinct participant is
// refused.
func (r *Relay) Join(ctx context.Context, requestID, participant string) (*Peer, error) {
	r.mu.Lock()
	sess, ok := r.sessions[requestID]
	if !ok {
		sess = &signalSession{peers: map[string]int{}}
		r.sessions[requestID] = sess
	}
	if _, present := sess.peers[participant]; !present && len(sess.peers) >= maxSignalPeers {
		r.mu.Unlock()
		return nil, ErrRelayFull
	}
	sess.peers[participant]++
	r.mu.Unlock()

	sub, err := r.bus.Subscribe(ctx, SignalTopic(requestID))
	if err != nil {
		r.leave(requestID, participant)
		return nil, err
	}

	p := &Peer{
		relay:       r,
		requestID:   requestID,
		participant: participant,
		sub:         sub,
		out:         make(chan models.SignalingMessage, 16),
		done:        make(chan struct{}),
	}
	go p.pump()
	return p, nil
}

// Participants reports how many distinct peers are in a request's session.
func (r *Relay) Participants(requestID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.sessions[requestID]; ok {
		return len(sess.peers)
	}
	return 0
}

func (r *Relay) leave(requestID, participant string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[requestID]
	if !ok {
		return
	}
	sess.peers[participant]--
	if sess.peers[participant] <= 0 {
		delete(sess.peers, participant)
	}
	if len(sess.peers) == 0 {
		delete(r.sessions, requestID)
	}
}

type Peer struct {
	relay       *Relay
	requestID   string
	participant string
	sub         Subscription
	out         chan models.SignalingMessage
	done        chan struct{}
	once        sync.Once
}

// Messages yields payloads sent by the other participant. It is closed when
// the peer leaves or the bus drops it.
func (p *Peer) Messages() <-chan models.SignalingMessage { return p.out }

func (p *Peer) Send(ctx context.Context, kind models.SignalKind, payload json.RawMessage) error {
	select {
	case <-p.done:
		return ErrPeerDisconnect
	default:
	}
	if !kind.Valid() || len(payload) == 0 {
		return ErrInvalidSignal
	}
	b, err := json.Marshal(models.SignalingMessage{
		RequestID: p.requestID,
		From:      p.participant,
		Kind:      kind,
		Payload:   payload,
	})
	if err != nil {
		return err
	}
	return p.relay.bus.Publish(ctx, SignalTopic(p.requestID), b)
}

func (p *Peer) Leave() {
	p.once.Do(func() {
		close(p.done)
		p.sub.Close()
		p.relay.leave(p.requestID, p.participant)
	})
}

func (p *Peer) pump() {
	defer close(p.out)
	defer p.Leave()
	for raw := range p.sub.C() {
		var msg models.SignalingMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			p.relay.logger.Warn().Err(err).Str("request_id", p.requestID).Msg("discarding malformed signal")
			continue
		}
		if msg.From == p.participant || msg.RequestID != p.requestID {
			continue
		}
		select {
		case p.out <- msg:
		case <-p.done:
			return
		}
	}
}
