package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"agentflow/internal/models"

	"github.com/sirupsen/logrus"
)

// Poller fetches candidate items for one automation. Implementations never
// panic; all failures come back as the error value.
type Poller interface {
	Poll(ctx context.Context, automation *models.Automation, source models.SourceConfig) ([]models.Item, error)
}

// PollerRegistry is the closed adapter registry keyed by source type.
type PollerRegistry struct {
	pollers map[string]Poller
	logger  *logrus.Logger
}

func NewPollerRegistry(logger *logrus.Logger) *PollerRegistry {
	if logger == nil {
		logger = logrus.New()
	}
	return &PollerRegistry{
		pollers: make(map[string]Poller),
		logger:  logger,
	}
}

// Register installs a poller for a source type.
func (r *PollerRegistry) Register(sourceType string, p Poller) {
	r.pollers[sourceType] = p
}

// Poll decodes the automation's source config and dispatches to the adapter.
// Unknown source kinds return a typed unsupported error so an automation can
// be defined ahead of adapter support.
func (r *PollerRegistry) Poll(ctx context.Context, automation *models.Automation) ([]models.Item, error) {
	source, err := automation.SourceConfig()
	if err != nil {
		return nil, configErrorf("automation %s: %v", automation.ID, err)
	}

	poller, ok := r.pollers[source.Type]
	if !ok {
		return nil, &UnsupportedError{Kind: "source", Value: source.Type}
	}

	items, err := poller.Poll(ctx, automation, source)
	if err != nil {
		return nil, err
	}
	r.logger.Debugf("poll: automation %s source %s returned %d items", automation.ID, source.Type, len(items))
	return items, nil
}

// contentHash hashes only the fields that signal real change for an item,
// so payload noise cannot fake an update.
func contentHash(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
