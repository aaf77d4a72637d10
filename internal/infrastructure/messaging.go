// services/fleet/internal/infrastructure/messaging.go
package infrastructure

import (
	"context"
	"encoding/json"
	"fmt"

	"example.com/bpr/services/fleet/config"
	"example.com/bpr/services/fleet/internal/core"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
)

// ServiceBusNotifier publishes fleet events to an Azure Service Bus queue.
type ServiceBusNotifier struct {
	client *azservicebus.Client
	sender *azservicebus.Sender
}

// NewServiceBusNotifier creates a connected notifier.
func NewServiceBusNotifier(cfg config.ServiceBusConfig) (*ServiceBusNotifier, error) {
	client, err := azservicebus.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create service bus client: %w", err)
	}

	sender, err := client.NewSender(cfg.QueueName, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create sender: %w", err)
	}

	return &ServiceBusNotifier{
		client: client,
		sender: sender,
	}, nil
}

// PublishEvent sends one event to the queue.
func (n *ServiceBusNotifier) PublishEvent(ctx context.Context, event core.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := &azservicebus.Message{
		Body: data,
		ApplicationProperties: map[string]interface{}{
			"type":      event.Type,
			"device_id": event.DeviceID,
			"hub_id":    event.HubID,
		},
	}

	return n.sender.SendMessage(ctx, msg, nil)
}

// Close releases the sender and the client.
func (n *ServiceBusNotifier) Close() error {
	if n.sender != nil {
		if err := n.sender.Close(context.Background()); err != nil {
			return err
		}
	}

	if n.client != nil {
		return n.client.Close(context.Background())
	}

	return nil
}
