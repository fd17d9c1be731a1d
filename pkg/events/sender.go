package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/openfund/fundd/pkg/model"
)

const (
	chanSize           = 1024
	maxElementPerBatch = 10 // SQS Batch limit is 10 items per request
	flushInterval      = 5 * time.Second
)

// Config represents event publisher configuration
type Config struct {
	// QueueURL is the SQS queue to publish refund events to
	QueueURL string `toml:"queue_url"`
}

// Sender publishes refund events to SQS for external auditing. Events are
// observability only: losing one never affects ledger correctness, so
// publishing is asynchronous and best effort.
type Sender struct {
	queue  *sqs.SQS
	url    *string
	events chan model.RefundEvent
	cancel context.CancelFunc
}

func New(ctx context.Context, queueURL string) *Sender {
	ctx, cancel := context.WithCancel(ctx)
	events := make(chan model.RefundEvent, chanSize)

	sender := &Sender{
		queue:  sqs.New(session.Must(session.NewSession())),
		url:    aws.String(queueURL),
		events: events,
		cancel: cancel,
	}

	go sender.transmit(ctx)

	return sender
}

// Publish queues a refund event for delivery. Safe to call from ledger
// callbacks; it never blocks the refund itself unless the buffer is full.
func (s *Sender) Publish(event model.RefundEvent) {
	s.events <- event
}

func (s *Sender) Close() {
	s.cancel()
}

func (s *Sender) transmit(ctx context.Context) {
	var list = make([]model.RefundEvent, 0, maxElementPerBatch)

	flush := func(ctx context.Context) {
		if len(list) == 0 {
			return
		}

		if err := s.send(ctx, list); err != nil {
			log.WithError(err).Error("failed to send refund event batch")
		}

		list = make([]model.RefundEvent, 0, maxElementPerBatch)
	}

	for {
		select {
		case <-time.After(flushInterval):
			// Flush list if not filled up entirely within the interval
			flush(ctx)

		case event := <-s.events:
			// Append an event to list and flush if filled up
			list = append(list, event)
			if len(list) == maxElementPerBatch {
				flush(ctx)
			}

		case <-ctx.Done():
			// Exiting, flush leftovers
			flush(context.Background())
			return
		}
	}
}

func (s *Sender) send(ctx context.Context, list []model.RefundEvent) error {
	sendInput := &sqs.SendMessageBatchInput{
		QueueUrl: s.url,
	}

	for i, event := range list {
		data, err := json.Marshal(event)
		if err != nil {
			return errors.Wrapf(err, "failed to marshal refund event for %q", event.Identity)
		}

		sendInput.Entries = append(sendInput.Entries, &sqs.SendMessageBatchRequestEntry{
			Id:          aws.String(fmt.Sprintf("%s-%d", event.CampaignID, i)),
			MessageBody: aws.String(string(data)),
		})
	}

	if _, err := s.queue.SendMessageBatchWithContext(ctx, sendInput); err != nil {
		return errors.Wrap(err, "failed to send message batch")
	}

	log.Infof("sent %d refund event(s) to SQS", len(list))
	return nil
}
