// Cross-node delivery: a NATS-backed Relay implementation. Publishing on
// one API replica also reaches subscribers connected to another replica
// via a shared NATS subject; inter-node payloads are sealed with
// nacl/secretbox since the bus never needs server-side plaintext of the
// event payload beyond what subscribers locally already trust (spec.md
// §4.1: "Symmetric encryption of inter-node payloads is mandatory in
// production deployments").
package topicbus

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/umbra-msg/umbra-core/internal/logger"
)

// RelaySubject is the single NATS subject every node publishes sealed
// events to and subscribes from; Event.Topic inside the envelope does
// the actual routing once it reaches DeliverRemote.
const RelaySubject = "umbra.topicbus.relay"

// NATSRelayConfig configures the cross-node relay connection.
type NATSRelayConfig struct {
	URL        string
	User       string
	Password   string
	SecretKey  [32]byte // shared symmetric key for inter-node payload sealing
	NodeID     string
}

// NATSRelay forwards Bus publishes to a NATS subject and feeds remote
// events from other nodes back into the local Bus.
type NATSRelay struct {
	conn   *nats.Conn
	sub    *nats.Subscription
	bus    *Bus
	key    [32]byte
	nodeID string
}

type sealedEnvelope struct {
	NodeID string `json:"node_id"`
	Nonce  []byte `json:"nonce"`
	Box    []byte `json:"box"`
}

// NewNATSRelay connects to NATS and begins listening for remote events,
// wiring delivery back into bus. Returns nil, nil if cfg.URL is empty —
// callers should fall back to a single-node Bus (NewBus(nil)) in that case.
func NewNATSRelay(cfg NATSRelayConfig, bus *Bus) (*NATSRelay, error) {
	if cfg.URL == "" {
		return nil, nil
	}

	opts := []nats.Option{
		nats.Name("umbra-core-topicbus"),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(10),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Topic().Warn().Err(err).Msg("topic bus relay disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Topic().Info().Str("url", nc.ConnectedUrl()).Msg("topic bus relay reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			logger.Topic().Error().Err(err).Msg("topic bus relay error")
		}),
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS relay: %w", err)
	}

	relay := &NATSRelay{conn: conn, bus: bus, key: cfg.SecretKey, nodeID: cfg.NodeID}

	sub, err := conn.Subscribe(RelaySubject, relay.handleRemote)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe to relay subject: %w", err)
	}
	relay.sub = sub

	logger.Topic().Info().Str("url", conn.ConnectedUrl()).Msg("topic bus relay connected")
	return relay, nil
}

// Forward implements Relay: seal and publish e to the shared subject.
func (r *NATSRelay) Forward(e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return fmt.Errorf("nonce: %w", err)
	}
	sealed := secretbox.Seal(nil, payload, &nonce, &r.key)

	env := sealedEnvelope{NodeID: r.nodeID, Nonce: nonce[:], Box: sealed}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	return r.conn.Publish(RelaySubject, data)
}

// handleRemote is the NATS message callback: open the envelope, skip our
// own echoed publishes, and deliver into the local Bus.
func (r *NATSRelay) handleRemote(msg *nats.Msg) {
	var env sealedEnvelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		logger.Topic().Error().Err(err).Msg("malformed relay envelope")
		return
	}
	if env.NodeID == r.nodeID {
		return
	}
	if len(env.Nonce) != 24 {
		logger.Topic().Error().Msg("relay envelope nonce has wrong length")
		return
	}
	var nonce [24]byte
	copy(nonce[:], env.Nonce)

	plaintext, ok := secretbox.Open(nil, env.Box, &nonce, &r.key)
	if !ok {
		logger.Topic().Error().Msg("relay envelope failed to decrypt")
		return
	}

	var e Event
	if err := json.Unmarshal(plaintext, &e); err != nil {
		logger.Topic().Error().Err(err).Msg("malformed relayed event")
		return
	}
	r.bus.DeliverRemote(e)
}

// Close drains the subscription and closes the NATS connection.
func (r *NATSRelay) Close() {
	if r.sub != nil {
		r.sub.Unsubscribe()
	}
	if r.conn != nil {
		r.conn.Drain()
		r.conn.Close()
	}
}
