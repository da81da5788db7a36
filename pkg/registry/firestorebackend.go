package registry

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreBackend stores one document per agent in a Firestore collection.
// It is suitable for smaller deployments where a dedicated Redis instance
// may be overkill. The client's lifecycle is managed by the caller.
type FirestoreBackend struct {
	client     *firestore.Client
	collection string
}

// NewFirestoreBackend creates a Firestore registry backend over an existing
// client.
func NewFirestoreBackend(client *firestore.Client, collectionName string) (*FirestoreBackend, error) {
	if client == nil {
		return nil, errors.New("firestore client cannot be nil")
	}
	if collectionName == "" {
		collectionName = "a2a-agents"
	}
	return &FirestoreBackend{client: client, collection: collectionName}, nil
}

// Get returns one entry, or ErrAgentNotFound.
func (b *FirestoreBackend) Get(ctx context.Context, agentID string) (AgentInfo, error) {
	docSnap, err := b.client.Collection(b.collection).Doc(agentID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return AgentInfo{}, fmt.Errorf("agent %s: %w", agentID, ErrAgentNotFound)
		}
		return AgentInfo{}, fmt.Errorf("firestore get failed for agent %s: %w", agentID, err)
	}
	var info AgentInfo
	if err := docSnap.DataTo(&info); err != nil {
		return AgentInfo{}, fmt.Errorf("failed to unmarshal agent %s: %w", agentID, err)
	}
	return info, nil
}

// Set creates or overwrites the agent's document.
func (b *FirestoreBackend) Set(ctx context.Context, info AgentInfo) error {
	_, err := b.client.Collection(b.collection).Doc(info.AgentID).Set(ctx, info)
	if err != nil {
		return fmt.Errorf("firestore set failed for agent %s: %w", info.AgentID, err)
	}
	return nil
}

// Delete removes the agent's document; absent ids are a no-op.
func (b *FirestoreBackend) Delete(ctx context.Context, agentID string) error {
	_, err := b.client.Collection(b.collection).Doc(agentID).Delete(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil
		}
		return fmt.Errorf("firestore delete failed for agent %s: %w", agentID, err)
	}
	return nil
}

// List returns every document in the collection.
func (b *FirestoreBackend) List(ctx context.Context) ([]AgentInfo, error) {
	var agents []AgentInfo
	iter := b.client.Collection(b.collection).Documents(ctx)
	defer iter.Stop()
	for {
		docSnap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firestore list failed: %w", err)
		}
		var info AgentInfo
		if err := docSnap.DataTo(&info); err != nil {
			return nil, fmt.Errorf("failed to unmarshal document %s: %w", docSnap.Ref.ID, err)
		}
		agents = append(agents, info)
	}
	return agents, nil
}

// Close is a no-op as the Firestore client's lifecycle is managed externally.
func (b *FirestoreBackend) Close() error {
	return nil
}
