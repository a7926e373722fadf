package saga

import (
	"context"

	"github.com/google/uuid"

	"github.com/koalafacts/heromessaging/herrors"
	"github.com/koalafacts/heromessaging/message"
	"github.com/koalafacts/heromessaging/storage"
)

const (
	collectionPrefix = "saga."
	recordType       = "saga.instance"
	correlationKey   = "correlation_id"
)

// MessageInstanceStore persists saga instances through a
// storage.MessageStore instead of a dedicated saga table: each instance
// is one stored message in the "saga.<name>" collection, found again by
// a correlation-id metadata predicate. Any driver that satisfies the
// message store contract therefore persists sagas for free.
type MessageInstanceStore struct {
	Store storage.MessageStore
}

// NewMessageInstanceStore wraps store as an InstanceStore.
func NewMessageInstanceStore(store storage.MessageStore) *MessageInstanceStore {
	return &MessageInstanceStore{Store: store}
}

func (s *MessageInstanceStore) find(ctx context.Context, sagaName string, correlationID uuid.UUID) (*storage.StoredMessage, error) {
	cursor, err := s.Store.Query(ctx, storage.MessageFilter{
		Collection: collectionPrefix + sagaName,
		Metadata:   message.Metadata{correlationKey: correlationID.String()},
		Limit:      1,
	})
	if err != nil {
		return nil, err
	}
	defer cursor.Close()
	if !cursor.Next(ctx) {
		return nil, cursor.Err()
	}
	row := cursor.Current()
	return &row, nil
}

func (s *MessageInstanceStore) Load(ctx context.Context, sagaName string, correlationID uuid.UUID) (*Instance, error) {
	row, err := s.find(ctx, sagaName, correlationID)
	if err != nil || row == nil {
		return nil, err
	}
	inst, ok := row.Message.Payload.(*Instance)
	if !ok {
		return nil, herrors.Fatal("saga.Load", correlationID.String(), "stored payload is not a saga instance", nil)
	}
	return inst.clone(), nil
}

func (s *MessageInstanceStore) Save(ctx context.Context, inst *Instance) error {
	row, err := s.find(ctx, inst.SagaName, inst.CorrelationID)
	if err != nil {
		return err
	}
	msg := message.Message{
		ID:        uuid.New(),
		Kind:      message.KindEvent,
		Type:      recordType,
		Payload:   inst.clone(),
		CreatedAt: inst.CreatedAt,
		Metadata:  message.Metadata{correlationKey: inst.CorrelationID.String()},
	}
	if row != nil {
		msg.ID = row.Message.ID
		_, err = s.Store.Update(ctx, row.ID, msg)
		return err
	}
	_, err = s.Store.Store(ctx, collectionPrefix+inst.SagaName, msg)
	return err
}
