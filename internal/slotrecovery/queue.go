package slotrecovery

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// queueClient is the transport for dispatch jobs, satisfied by SQS in
// production and the in-memory queue in tests and local runs.
type queueClient interface {
	Send(ctx context.Context, body string) error
	Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]queueMessage, error)
	Delete(ctx context.Context, receiptHandle string) error
}

type queueMessage struct {
	ID            string
	Body          string
	ReceiptHandle string
}

type jobKind string

const jobKindDispatch jobKind = "opening.dispatch"

type dispatchJob struct {
	ID        string    `json:"id"`
	Kind      jobKind   `json:"kind"`
	OpeningID uuid.UUID `json:"opening_id"`
	ShopID    uuid.UUID `json:"shop_id"`
}

func encodeDispatchJob(job dispatchJob) (string, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Kind == "" {
		job.Kind = jobKindDispatch
	}
	body, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("slotrecovery: encode dispatch job: %w", err)
	}
	return string(body), nil
}
