// Package catalog defines the persistence interfaces for installed
// tool-server definitions and the proxy request log. The orchestrator only
// ever reads definitions; installation happens through the HTTP layer.
package catalog

import (
	"context"

	"github.com/deckhand-ai/deckhand/pkg/domain"
)

// Store persists tool-server definitions.
type Store interface {
	// ListInstalled returns every installed definition.
	ListInstalled(ctx context.Context) ([]domain.ToolServerDefinition, error)
	// Get returns one definition by id.
	Get(ctx context.Context, id string) (*domain.ToolServerDefinition, error)
	// Install persists a new definition.
	Install(ctx context.Context, def *domain.ToolServerDefinition) error
	// Remove deletes a definition by id.
	Remove(ctx context.Context, id string) error
}

// RequestLogStore records proxied JSON-RPC requests.
type RequestLogStore interface {
	Record(ctx context.Context, entry *domain.RequestLog) error
	ListRecent(ctx context.Context, limit int) ([]domain.RequestLog, error)
}
