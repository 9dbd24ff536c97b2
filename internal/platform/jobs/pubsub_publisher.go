package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"

	domain "github.com/stockroom/api/internal/domain"
	"github.com/stockroom/api/internal/services"
)

// PubSubEventPublisher fans domain events out to their Pub/Sub topics. It
// implements services.EventDispatcher.
type PubSubEventPublisher struct {
	stockTopic    *pubsub.Topic
	saleTopic     *pubsub.Topic
	documentTopic *pubsub.Topic
	marshal       func(any) ([]byte, error)
}

// NewPubSubEventPublisher constructs a Pub/Sub backed event publisher. All
// three topics are required; pass the same topic twice to multiplex.
func NewPubSubEventPublisher(stockTopic, saleTopic, documentTopic *pubsub.Topic) (*PubSubEventPublisher, error) {
	if stockTopic == nil {
		return nil, errors.New("pubsub event publisher: stock events topic is required")
	}
	if saleTopic == nil {
		return nil, errors.New("pubsub event publisher: sale events topic is required")
	}
	if documentTopic == nil {
		return nil, errors.New("pubsub event publisher: document events topic is required")
	}
	return &PubSubEventPublisher{
		stockTopic:    stockTopic,
		saleTopic:     saleTopic,
		documentTopic: documentTopic,
		marshal:       json.Marshal,
	}, nil
}

type stockEventMessage struct {
	Type          string         `json:"type"`
	ReservationID string         `json:"reservationId,omitempty"`
	OrderRef      string         `json:"orderRef,omitempty"`
	ActorRef      string         `json:"actorRef,omitempty"`
	SKU           string         `json:"sku"`
	ItemRef       string         `json:"itemRef"`
	DeltaOnHand   int            `json:"deltaOnHand"`
	DeltaReserved int            `json:"deltaReserved"`
	OnHand        int            `json:"onHand"`
	Reserved      int            `json:"reserved"`
	OccurredAt    time.Time      `json:"occurredAt"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// PublishStockEvent publishes one stock movement to the stock events topic.
func (p *PubSubEventPublisher) PublishStockEvent(ctx context.Context, event domain.StockEvent) error {
	if p == nil || p.stockTopic == nil {
		return errors.New("pubsub event publisher: not initialised")
	}

	msg := stockEventMessage(event)
	data, err := p.marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal stock event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "type", event.Type)
	setAttr(attrs, "sku", event.SKU)
	setAttr(attrs, "itemRef", event.ItemRef)
	setAttr(attrs, "reservationId", event.ReservationID)

	return p.publish(ctx, p.stockTopic, data, attrs, "stock event")
}

// PublishSaleEvent publishes a checkout or refund event to the sale events topic.
func (p *PubSubEventPublisher) PublishSaleEvent(ctx context.Context, event services.SaleEventMessage) error {
	if p == nil || p.saleTopic == nil {
		return errors.New("pubsub event publisher: not initialised")
	}

	data, err := p.marshal(event)
	if err != nil {
		return fmt.Errorf("marshal sale event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "type", event.Type)
	setAttr(attrs, "saleId", event.SaleID)
	setAttr(attrs, "number", event.Number)
	setAttr(attrs, "grandTotal", strconv.FormatInt(event.GrandTotal, 10))

	return p.publish(ctx, p.saleTopic, data, attrs, "sale event")
}

// PublishDocumentEvent publishes a document status transition to the document
// events topic.
func (p *PubSubEventPublisher) PublishDocumentEvent(ctx context.Context, event services.DocumentEventMessage) error {
	if p == nil || p.documentTopic == nil {
		return errors.New("pubsub event publisher: not initialised")
	}

	data, err := p.marshal(event)
	if err != nil {
		return fmt.Errorf("marshal document event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "type", event.Type)
	setAttr(attrs, "documentId", event.DocumentID)
	setAttr(attrs, "kind", event.Kind)
	setAttr(attrs, "status", event.Status)

	return p.publish(ctx, p.documentTopic, data, attrs, "document event")
}

func (p *PubSubEventPublisher) publish(ctx context.Context, topic *pubsub.Topic, data []byte, attrs map[string]string, label string) error {
	result := topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish %s: %w", label, err)
	}
	return nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
