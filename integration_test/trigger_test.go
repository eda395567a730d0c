//go:build integration

package integration_test

import (
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"gitlab.com/timkado/api/voice-call-sync/internal/config"
	"gitlab.com/timkado/api/voice-call-sync/internal/jetstream"
	"gitlab.com/timkado/api/voice-call-sync/internal/model"
	"gitlab.com/timkado/api/voice-call-sync/internal/trigger"
	"gitlab.com/timkado/api/voice-call-sync/internal/usecase"
	"gitlab.com/timkado/api/voice-call-sync/pkg/utils"
)

// recordingSubmitter stands in for the engine and records queued tasks.
type recordingSubmitter struct {
	mu    sync.Mutex
	tasks []usecase.SyncTask
}

func (r *recordingSubmitter) Submit(task usecase.SyncTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, task)
	return nil
}

func (r *recordingSubmitter) snapshot() []usecase.SyncTask {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]usecase.SyncTask(nil), r.tasks...)
}

func integrationNATSConfig() config.NATSConfig {
	suffix := uuid.NewString()[:8]
	return config.NATSConfig{
		Enabled:              true,
		QueueGroup:           "call-sync-workers-" + suffix,
		SyncSubject:          "it." + suffix + ".sync.request",
		DiagnosticSubject:    "it." + suffix + ".diagnostic.request",
		CompletedSubject:     "it." + suffix + ".sync.completed",
		RefreshFailedSubject: "it." + suffix + ".sync.refresh_failed",
		DLQSubject:           "it." + suffix + ".dlq",
		TriggerStream:        "requests_" + suffix,
		TriggerConsumer:      "requests_consumer_" + suffix,
		EventsStream:         "events_" + suffix,
		MaxAgeDays:           1,
		MaxDeliver:           3,
		NakBaseDelay:         100 * time.Millisecond,
		NakMaxDelay:          time.Second,
	}
}

func (s *BaseIntegrationSuite) TestTriggerConsumerQueuesRequests() {
	cfg := integrationNATSConfig()
	client, err := jetstream.NewClient(s.Ctx, s.NATSURL)
	s.Require().NoError(err)
	defer client.Close()

	publisher := trigger.NewPublisher(client, cfg)
	s.Require().NoError(publisher.Setup(s.Ctx))

	submitter := &recordingSubmitter{}
	router := trigger.NewRouter()
	trigger.NewHandlers(submitter).Register(router, cfg.SyncSubject, cfg.DiagnosticSubject)
	consumer := trigger.NewConsumer(client, router, cfg)
	s.Require().NoError(consumer.Setup())
	s.Require().NoError(consumer.Start())
	defer consumer.Stop()

	dlq, err := client.NatsConn().SubscribeSync(cfg.DLQSubject)
	s.Require().NoError(err)
	defer func() { _ = dlq.Unsubscribe() }()

	s.Require().NoError(client.Publish(cfg.SyncSubject, utils.MustMarshalJSON(model.SyncRequestMessage{
		AccountID:   "acct-nats",
		Kind:        model.SyncKindManual,
		TriggeredBy: "integration",
	}), map[string]string{"Nats-Msg-Id": uuid.NewString()}))
	s.Require().NoError(client.Publish(cfg.DiagnosticSubject, utils.MustMarshalJSON(model.DiagnosticRequestMessage{
		AccountID: "acct-nats",
	}), map[string]string{"Nats-Msg-Id": uuid.NewString()}))

	s.Eventually(func() bool { return len(submitter.snapshot()) == 2 }, 10*time.Second, 50*time.Millisecond)

	var sawSync, sawDiagnostic bool
	for _, task := range submitter.snapshot() {
		switch {
		case task.Sync != nil:
			sawSync = true
			s.Equal("acct-nats", task.Sync.AccountID)
			s.Equal(model.SyncKindManual, task.Sync.Kind)
			s.Equal("integration", task.Sync.TriggeredBy)
		case task.Diagnostic != nil:
			sawDiagnostic = true
			s.Equal("acct-nats", task.Diagnostic.AccountID)
		}
	}
	s.True(sawSync)
	s.True(sawDiagnostic)

	// An invalid trigger is dead-lettered without a redelivery.
	s.Require().NoError(client.Publish(cfg.SyncSubject, []byte(`{"kind":"manual"}`), map[string]string{"Nats-Msg-Id": uuid.NewString()}))

	msg, err := dlq.NextMsg(10 * time.Second)
	s.Require().NoError(err)
	var payload model.DLQPayload
	s.Require().NoError(json.Unmarshal(msg.Data, &payload))
	s.Equal(cfg.SyncSubject, payload.SourceSubject)
	s.NotEmpty(payload.Error)
	s.Len(submitter.snapshot(), 2)
}

func (s *BaseIntegrationSuite) TestPublisherEmitsRunEvents() {
	cfg := integrationNATSConfig()
	client, err := jetstream.NewClient(s.Ctx, s.NATSURL)
	s.Require().NoError(err)
	defer client.Close()

	publisher := trigger.NewPublisher(client, cfg)
	s.Require().NoError(publisher.Setup(s.Ctx))

	completed, err := client.NatsConn().SubscribeSync(cfg.CompletedSubject)
	s.Require().NoError(err)
	defer func() { _ = completed.Unsubscribe() }()

	event := model.RunCompletedEvent{
		Summary:    model.SyncRunSummary{RunID: uuid.NewString(), AccountID: "acct-events", Kind: model.SyncKindAuto, Status: model.RunStatusSuccess, Saved: 3},
		OccurredAt: time.Now().UTC(),
	}
	s.Require().NoError(publisher.PublishRunCompleted(s.Ctx, event))

	msg, err := completed.NextMsg(5 * time.Second)
	s.Require().NoError(err)
	var got model.RunCompletedEvent
	s.Require().NoError(json.Unmarshal(msg.Data, &got))
	s.Equal(event.Summary.RunID, got.Summary.RunID)
	s.Equal(3, got.Summary.Saved)
}
