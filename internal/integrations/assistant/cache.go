package assistant

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/qbusiness"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"qteams-bridge/internal/domain"
)

const DefaultCacheSize = 256

// APIFactory builds a chat API bound to one set of credentials.
type APIFactory func(creds domain.Credentials) API

// NewAPIFactory returns a factory producing Q Business clients from base with
// the user's static credentials swapped in. endpoint may be empty.
func NewAPIFactory(base aws.Config, region, endpoint string) APIFactory {
	return func(creds domain.Credentials) API {
		return qbusiness.NewFromConfig(base, func(o *qbusiness.Options) {
			if region != "" {
				o.Region = region
			}
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
			}
			o.Credentials = credentials.NewStaticCredentialsProvider(creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken)
		})
	}
}

type cacheEntry struct {
	client     *Client
	expiration time.Time
}

// ClientCache keeps one Client per chat user. An entry is rebuilt when the
// user's credentials change, detected by their expiration. Least recently
// used entries are evicted beyond the size limit.
type ClientCache struct {
	factory APIFactory
	appID   string
	entries *lru.Cache[string, cacheEntry]
	group   singleflight.Group
}

func NewClientCache(factory APIFactory, appID string, size int) (*ClientCache, error) {
	if factory == nil {
		return nil, errors.New("assistant: api factory must not be nil")
	}
	if strings.TrimSpace(appID) == "" {
		return nil, errors.New("assistant: application id must not be empty")
	}
	if size <= 0 {
		size = DefaultCacheSize
	}
	entries, err := lru.New[string, cacheEntry](size)
	if err != nil {
		return nil, fmt.Errorf("assistant: create client cache: %w", err)
	}
	return &ClientCache{factory: factory, appID: appID, entries: entries}, nil
}

// Get returns the client for teamsUserID, creating it from creds if the
// cached one is missing or was built from other credentials.
func (c *ClientCache) Get(teamsUserID string, creds domain.Credentials) (*Client, error) {
	if strings.TrimSpace(teamsUserID) == "" {
		return nil, errors.New("assistant: user id is required")
	}
	if e, ok := c.entries.Get(teamsUserID); ok && e.expiration.Equal(creds.Expiration) {
		return e.client, nil
	}

	key := teamsUserID + "|" + creds.Expiration.UTC().Format(time.RFC3339Nano)
	v, err, _ := c.group.Do(key, func() (any, error) {
		if e, ok := c.entries.Get(teamsUserID); ok && e.expiration.Equal(creds.Expiration) {
			return e.client, nil
		}
		client, err := NewClient(c.factory(creds), c.appID)
		if err != nil {
			return nil, err
		}
		c.entries.Add(teamsUserID, cacheEntry{client: client, expiration: creds.Expiration})
		return client, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Client), nil
}

// Forget drops the cached client, e.g. after sign-out.
func (c *ClientCache) Forget(teamsUserID string) {
	c.entries.Remove(teamsUserID)
}

func (c *ClientCache) Len() int {
	return c.entries.Len()
}
