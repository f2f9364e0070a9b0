// Package events publishes SecurityEvents (refresh-token reuse, webhook
// signature failures, rotation losers, forced session revocations) to
// NATS subject auth.security_events for downstream alerting, mirroring
// how the rest of this codebase treats NATS as best-effort side-channel
// fan-out rather than a dependency the request path blocks on.
//
// When NATS_URL is unset the Publisher falls back to a disabled no-op:
// Publish always returns nil and nothing is sent anywhere. Security
// events are still logged locally through logger.Security() by the
// caller regardless of whether the publisher is enabled.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/aegis-auth/aegis/internal/config"
	"github.com/aegis-auth/aegis/internal/logger"
)

const SubjectSecurityEvents = "auth.security_events"

// SecurityEvent is the payload published to SubjectSecurityEvents.
// Reason is the AppError's InternalReason, never the wire-facing
// collapsed code, so downstream consumers can distinguish
// rotation_reuse from a plain expired token even though both return
// 401 invalid_grant to the client.
type SecurityEvent struct {
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`
	Reason    string    `json:"reason"`
	UserID    string    `json:"user_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	DeviceID  string    `json:"device_id,omitempty"`
	IP        string    `json:"ip,omitempty"`
}

// Publisher publishes SecurityEvents to NATS. The zero value is not
// usable; construct with NewPublisher.
type Publisher struct {
	conn    *nats.Conn
	enabled bool
}

// NewPublisher connects to NATS if cfg.URL is set. A connection failure
// is not fatal: the publisher falls back to disabled so that a down NATS
// broker never blocks authentication.
func NewPublisher(cfg config.NATSConfig) *Publisher {
	if cfg.URL == "" {
		logger.Log.Warn().Msg("NATS_URL not configured, security event publishing disabled")
		return &Publisher{enabled: false}
	}

	opts := []nats.Option{
		nats.Name("aegis-auth-publisher"),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(10),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Log.Error().Err(err).Msg("NATS publisher disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS publisher reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			logger.Log.Error().Err(err).Msg("NATS publisher error")
		}),
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		logger.Log.Error().Err(err).Msg("failed to connect to NATS, security event publishing disabled")
		return &Publisher{enabled: false}
	}
	return &Publisher{conn: conn, enabled: true}
}

// Close drains and closes the underlying NATS connection, if any.
func (p *Publisher) Close() {
	if p.enabled && p.conn != nil {
		p.conn.Close()
	}
}

// Publish fans out a SecurityEvent. Errors are logged, never returned —
// a publish failure must not surface to the HTTP caller or unwind the
// transaction that detected the security condition.
func (p *Publisher) Publish(ctx context.Context, evt SecurityEvent) {
	if p == nil || !p.enabled {
		return
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		logger.Log.Error().Err(err).Msg("failed to marshal security event")
		return
	}
	if err := p.conn.Publish(SubjectSecurityEvents, payload); err != nil {
		logger.Log.Error().Err(err).Str("subject", SubjectSecurityEvents).Msg("failed to publish security event")
	}
}
