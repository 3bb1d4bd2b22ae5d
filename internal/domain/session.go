package domain

import "time"

// Credentials are temporary cloud credentials issued for one chat user.
type Credentials struct {
	AccessKeyID     string    `json:"accessKeyId"`
	SecretAccessKey string    `json:"secretAccessKey"`
	SessionToken    string    `json:"sessionToken"`
	Expiration      time.Time `json:"expiration"`
}

// AuthState is a pending OIDC login attempt, keyed by the opaque state token.
type AuthState struct {
	State       string `dynamodbav:"state"`
	TeamsUserID string `dynamodbav:"teamsUserId"`
	CreatedAt   int64  `dynamodbav:"createdAt"`
	ExpireAt    int64  `dynamodbav:"expireAt"`
}

func (s AuthState) ExpiresAt() int64 { return s.ExpireAt }

// PendingLogin points from a user to their single live state token. It is
// stored in the state table under a "USER#" prefixed key.
type PendingLogin struct {
	State        string `dynamodbav:"state"`
	TeamsUserID  string `dynamodbav:"teamsUserId"`
	CurrentState string `dynamodbav:"currentState"`
	ExpireAt     int64  `dynamodbav:"expireAt"`
}

func (p PendingLogin) ExpiresAt() int64 { return p.ExpireAt }

// SessionCredential is the encrypted credential record for an authenticated user.
type SessionCredential struct {
	TeamsUserID          string `dynamodbav:"teamsUserId"`
	EncryptedCredentials string `dynamodbav:"encryptedCredentials"`
	ExpireAt             int64  `dynamodbav:"expireAt"`
}

func (c SessionCredential) ExpiresAt() int64 { return c.ExpireAt }
