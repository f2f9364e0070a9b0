package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/aegis-auth/aegis/internal/config"
)

func TestNewPublisher_DisabledWithoutURL(t *testing.T) {
	p := NewPublisher(config.NATSConfig{})
	assert.False(t, p.enabled)
}

func TestPublisher_PublishNoopWhenDisabled(t *testing.T) {
	p := NewPublisher(config.NATSConfig{})
	// Must not panic or block even though conn is nil.
	p.Publish(context.Background(), SecurityEvent{
		EventID:   "evt-1",
		Timestamp: time.Now(),
		Kind:      "rotation_reuse",
		Reason:    "rotation_reuse",
		SessionID: "sess-1",
	})
}

func TestSubjectSecurityEvents(t *testing.T) {
	assert.Equal(t, "auth.security_events", SubjectSecurityEvents)
}
