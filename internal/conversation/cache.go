// Package conversation caches assistant continuation handles per chat channel
// and the metadata of each assistant response, both with a rolling TTL.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"qteams-bridge/internal/domain"
	"qteams-bridge/internal/repository"
)

const (
	channelKeyAttr = "channel"
	messageKeyAttr = "messageId"
	day            = 24 * time.Hour
)

type Store interface {
	Put(ctx context.Context, table string, item repository.Record) error
	Get(ctx context.Context, table string, key repository.Key, out any) (bool, error)
	Delete(ctx context.Context, table string, key repository.Key) error
}

type Config struct {
	ChannelTable string
	MessageTable string
	DaysToLive   int
}

type Cache struct {
	store Store
	cfg   Config
	ttl   time.Duration
	now   func() time.Time
}

type Option func(*Cache)

func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

func New(store Store, cfg Config, opts ...Option) (*Cache, error) {
	if store == nil {
		return nil, errors.New("conversation: store must not be nil")
	}
	if strings.TrimSpace(cfg.ChannelTable) == "" || strings.TrimSpace(cfg.MessageTable) == "" {
		return nil, errors.New("conversation: channel and message table names must not be empty")
	}
	if cfg.DaysToLive < 1 {
		return nil, fmt.Errorf("conversation: days to live must be at least 1, got %d", cfg.DaysToLive)
	}
	c := &Cache{
		store: store,
		cfg:   cfg,
		ttl:   time.Duration(cfg.DaysToLive) * day,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ChannelKey identifies a one-to-one chat between a user and the bot.
func ChannelKey(userID, tenantID string) string {
	return userID + ":" + tenantID
}

// GetChannelMetadata returns the cached continuation handle for channel. A
// channel never seen, or whose entry expired, yields the zero value.
func (c *Cache) GetChannelMetadata(ctx context.Context, channel string) (domain.ChannelMetadata, error) {
	if strings.TrimSpace(channel) == "" {
		return domain.ChannelMetadata{}, errors.New("conversation: channel is required")
	}
	var md domain.ChannelMetadata
	found, err := c.store.Get(ctx, c.cfg.ChannelTable, channelKey(channel), &md)
	if err != nil {
		return domain.ChannelMetadata{}, fmt.Errorf("conversation: GetChannelMetadata: %w", err)
	}
	if !found {
		return domain.ChannelMetadata{}, nil
	}
	return md, nil
}

// SaveChannelMetadata overwrites the channel entry and restarts its TTL.
func (c *Cache) SaveChannelMetadata(ctx context.Context, channel, conversationID, systemMessageID string) error {
	if strings.TrimSpace(channel) == "" {
		return errors.New("conversation: channel is required")
	}
	now := c.now()
	md := domain.ChannelMetadata{
		Channel:         channel,
		ConversationID:  conversationID,
		SystemMessageID: systemMessageID,
		LatestTs:        now.UnixMilli(),
		ExpireAt:        repository.ExpireAt(now, c.ttl),
	}
	if err := c.store.Put(ctx, c.cfg.ChannelTable, md); err != nil {
		return fmt.Errorf("conversation: SaveChannelMetadata: %w", err)
	}
	return nil
}

// DeleteChannelMetadata forgets the channel's conversation. Deleting an
// absent entry succeeds.
func (c *Cache) DeleteChannelMetadata(ctx context.Context, channel string) error {
	if strings.TrimSpace(channel) == "" {
		return errors.New("conversation: channel is required")
	}
	if err := c.store.Delete(ctx, c.cfg.ChannelTable, channelKey(channel)); err != nil {
		return fmt.Errorf("conversation: DeleteChannelMetadata: %w", err)
	}
	return nil
}

func (c *Cache) GetMessageMetadata(ctx context.Context, messageID string) (domain.MessageMetadata, bool, error) {
	if strings.TrimSpace(messageID) == "" {
		return domain.MessageMetadata{}, false, errors.New("conversation: message id is required")
	}
	var md domain.MessageMetadata
	found, err := c.store.Get(ctx, c.cfg.MessageTable, repository.Key{Name: messageKeyAttr, Value: messageID}, &md)
	if err != nil {
		return domain.MessageMetadata{}, false, fmt.Errorf("conversation: GetMessageMetadata: %w", err)
	}
	return md, found, nil
}

// SaveMessageMetadata records an assistant response under its system
// message id.
func (c *Cache) SaveMessageMetadata(ctx context.Context, resp domain.AssistantResponse) error {
	if strings.TrimSpace(resp.SystemMessageID) == "" {
		return errors.New("conversation: system message id is required")
	}
	now := c.now()
	md := domain.MessageMetadata{
		MessageID:          resp.SystemMessageID,
		ConversationID:     resp.ConversationID,
		SystemMessage:      resp.SystemMessage,
		SourceAttributions: resp.SourceAttributions,
		SystemMessageID:    resp.SystemMessageID,
		UserMessageID:      resp.UserMessageID,
		Ts:                 now.UnixMilli(),
		ExpireAt:           repository.ExpireAt(now, c.ttl),
	}
	if err := c.store.Put(ctx, c.cfg.MessageTable, md); err != nil {
		return fmt.Errorf("conversation: SaveMessageMetadata: %w", err)
	}
	return nil
}

func channelKey(channel string) repository.Key {
	return repository.Key{Name: channelKeyAttr, Value: channel}
}
