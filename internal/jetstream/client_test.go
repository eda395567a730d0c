package jetstream

import (
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
)

func TestStreamConfigEqual(t *testing.T) {
	base := nats.StreamConfig{
		Name:      "call_sync_requests",
		Subjects:  []string{"v1.calls.sync.request", "v1.calls.diagnostic.request"},
		Retention: nats.WorkQueuePolicy,
		Storage:   nats.FileStorage,
		MaxAge:    24 * time.Hour,
	}

	same := base
	same.Description = "ignored"
	assert.True(t, streamConfigEqual(base, same))

	reordered := base
	reordered.Subjects = []string{"v1.calls.diagnostic.request", "v1.calls.sync.request"}
	assert.False(t, streamConfigEqual(base, reordered))

	older := base
	older.MaxAge = time.Hour
	assert.False(t, streamConfigEqual(base, older))
}

func TestConsumerConfigEqual(t *testing.T) {
	base := nats.ConsumerConfig{
		Durable:        "call_sync_requests_consumer",
		DeliverGroup:   "call-sync-workers",
		FilterSubjects: []string{"v1.calls.sync.request"},
		AckPolicy:      nats.AckExplicitPolicy,
		MaxDeliver:     5,
		AckWait:        30 * time.Second,
		MaxAckPending:  256,
		DeliverPolicy:  nats.DeliverAllPolicy,
		DeliverSubject: "_INBOX.a",
	}

	// The deliver subject is generated per setup and does not count as a change.
	inbox := base
	inbox.DeliverSubject = "_INBOX.b"
	assert.True(t, consumerConfigEqual(base, inbox))

	moreRetries := base
	moreRetries.MaxDeliver = 10
	assert.False(t, consumerConfigEqual(base, moreRetries))

	otherGroup := base
	otherGroup.DeliverGroup = "other"
	assert.False(t, consumerConfigEqual(base, otherGroup))
}
