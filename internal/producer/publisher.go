package producer

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"procodus.dev/radon-monitor/internal/backend"
	"procodus.dev/radon-monitor/pkg/mq"
)

// Publisher delivers one encoded uplink of device devEUI.
type Publisher interface {
	Publish(ctx context.Context, devEUI string, body []byte) error
}

// AMQPPublisher publishes uplinks to the topic exchange under the routing key
// the network server would use for the device.
type AMQPPublisher struct {
	client        mq.ClientInterface
	applicationID string
}

// NewAMQPPublisher creates an AMQPPublisher.
func NewAMQPPublisher(client mq.ClientInterface, applicationID string) (*AMQPPublisher, error) {
	if client == nil {
		return nil, errors.New("mq client cannot be nil")
	}
	if applicationID == "" {
		return nil, errors.New("application ID cannot be empty")
	}
	return &AMQPPublisher{client: client, applicationID: applicationID}, nil
}

// Publish implements Publisher.
func (p *AMQPPublisher) Publish(ctx context.Context, devEUI string, body []byte) error {
	return p.client.PushWithKey(ctx, backend.UplinkRoutingKey(p.applicationID, devEUI), body)
}

// GRPCPublisher sends uplinks to the gRPC ingest service.
type GRPCPublisher struct {
	client *backend.IngestClient
	apiKey string
}

// NewGRPCPublisher creates a GRPCPublisher.
func NewGRPCPublisher(client *backend.IngestClient, apiKey string) (*GRPCPublisher, error) {
	if client == nil {
		return nil, errors.New("ingest client cannot be nil")
	}
	if apiKey == "" {
		return nil, errors.New("API key cannot be empty")
	}
	return &GRPCPublisher{client: client, apiKey: apiKey}, nil
}

// Publish implements Publisher.
func (p *GRPCPublisher) Publish(ctx context.Context, _ string, body []byte) error {
	in := &structpb.Struct{}
	if err := in.UnmarshalJSON(body); err != nil {
		return fmt.Errorf("failed to convert uplink: %w", err)
	}
	if _, err := p.client.Ingest(backend.WithAPIKey(ctx, p.apiKey), in); err != nil {
		return fmt.Errorf("failed to ingest uplink: %w", err)
	}
	return nil
}
