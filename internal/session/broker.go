// Package session brokers per-user cloud credentials.
//
// A user moves from no session, to awaiting the OIDC callback, to
// authenticated, and back to no session when the stored credential expires
// or is removed:
//
//	StartSession     persists a single-use state token and returns the
//	                 provider authorize URL.
//	CompleteSession  consumes the state, exchanges the code, federates into
//	                 the target role and stores the encrypted credentials.
//	GetSessionCreds  decrypts the stored credentials, bound to the user id.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"qteams-bridge/internal/domain"
	"qteams-bridge/internal/envelope"
	"qteams-bridge/internal/integrations/idp"
	"qteams-bridge/internal/repository"
)

const (
	stateKeyAttr      = "state"
	credentialKeyAttr = "teamsUserId"
	pendingPrefix     = "USER#"
	defaultStateTTL   = 5 * time.Minute
)

type Store interface {
	Put(ctx context.Context, table string, item repository.Record) error
	Get(ctx context.Context, table string, key repository.Key, out any) (bool, error)
	Take(ctx context.Context, table string, key repository.Key, out any) (bool, error)
	Delete(ctx context.Context, table string, key repository.Key) error
}

type Sealer interface {
	Encrypt(ctx context.Context, plaintext []byte, keyID, identity string) (string, error)
	Decrypt(ctx context.Context, ciphertext, keyID, identity string) ([]byte, error)
}

type IdentityProvider interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (idp.IDToken, error)
}

type Federator interface {
	Federate(ctx context.Context, idToken, teamsUserID string) (domain.Credentials, error)
}

type Config struct {
	StateTable      string
	CredentialTable string
	KeyID           string
	StateTTL        time.Duration
}

type Broker struct {
	store    Store
	sealer   Sealer
	provider IdentityProvider
	fed      Federator
	cfg      Config
	log      zerolog.Logger
	now      func() time.Time
	newState func() (string, error)
}

type Option func(*Broker)

func WithClock(now func() time.Time) Option {
	return func(b *Broker) {
		b.now = now
	}
}

func NewBroker(store Store, sealer Sealer, provider IdentityProvider, fed Federator, cfg Config, logger zerolog.Logger, opts ...Option) (*Broker, error) {
	if store == nil {
		return nil, errors.New("session: store must not be nil")
	}
	if sealer == nil {
		return nil, errors.New("session: sealer must not be nil")
	}
	if provider == nil {
		return nil, errors.New("session: identity provider must not be nil")
	}
	if fed == nil {
		return nil, errors.New("session: federator must not be nil")
	}
	if strings.TrimSpace(cfg.StateTable) == "" || strings.TrimSpace(cfg.CredentialTable) == "" {
		return nil, errors.New("session: state and credential table names must not be empty")
	}
	if strings.TrimSpace(cfg.KeyID) == "" {
		return nil, errors.New("session: key id must not be empty")
	}
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = defaultStateTTL
	}
	b := &Broker{
		store:    store,
		sealer:   sealer,
		provider: provider,
		fed:      fed,
		cfg:      cfg,
		log:      logger.With().Str("component", "session-broker").Logger(),
		now:      time.Now,
		newState: randomState,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// GetSessionCreds returns the user's decrypted credentials. It has no side
// effects; on NO_ACTIVE_SESSION or SESSION_INTEGRITY the caller should run
// StartSession.
func (b *Broker) GetSessionCreds(ctx context.Context, teamsUserID string) (domain.Credentials, error) {
	if strings.TrimSpace(teamsUserID) == "" {
		return domain.Credentials{}, newError(ErrorInvalidInput, "empty_user_id", nil)
	}
	log := b.log.With().Str("teams_user_id", teamsUserID).Logger()

	var rec domain.SessionCredential
	found, err := b.store.Get(ctx, b.cfg.CredentialTable, credentialKey(teamsUserID), &rec)
	if err != nil {
		return domain.Credentials{}, newError(ErrorUnavailable, "credential_read_error", err)
	}
	if !found {
		log.Debug().Msg("no credential on file")
		return domain.Credentials{}, newError(ErrorNoActiveSession, "no_credential", nil)
	}

	plaintext, err := b.sealer.Decrypt(ctx, rec.EncryptedCredentials, b.cfg.KeyID, teamsUserID)
	if err != nil {
		sErr := classifySealError(err)
		// User and key id are already checked, so a rejected argument here
		// is the stored ciphertext.
		if sErr.Code == ErrorInvalidInput {
			sErr = newError(ErrorIntegrity, "ciphertext_invalid", err)
		}
		if sErr.Code == ErrorIntegrity {
			log.Error().Err(err).Bool("security_event", true).Msg("stored credential failed integrity check")
		}
		return domain.Credentials{}, sErr
	}

	var creds domain.Credentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		log.Error().Err(err).Bool("security_event", true).Msg("stored credential payload unreadable")
		return domain.Credentials{}, newError(ErrorIntegrity, "credential_payload_invalid", err)
	}
	if !creds.Expiration.After(b.now()) {
		log.Debug().Time("expiration", creds.Expiration).Msg("stored credential expired")
		return domain.Credentials{}, newError(ErrorNoActiveSession, "credential_expired", nil)
	}
	return creds, nil
}

// StartSession persists a fresh state token for the user, replacing any
// pending one, and returns the provider authorize URL. It performs no I/O
// against the identity provider.
func (b *Broker) StartSession(ctx context.Context, teamsUserID string) (string, error) {
	if strings.TrimSpace(teamsUserID) == "" {
		return "", newError(ErrorInvalidInput, "empty_user_id", nil)
	}
	state, err := b.newState()
	if err != nil {
		return "", newError(ErrorUnavailable, "state_generation_error", err)
	}

	var prev domain.PendingLogin
	found, err := b.store.Get(ctx, b.cfg.StateTable, pendingKey(teamsUserID), &prev)
	if err != nil {
		return "", newError(ErrorUnavailable, "state_read_error", err)
	}
	if found && prev.CurrentState != "" {
		if err := b.store.Delete(ctx, b.cfg.StateTable, stateKey(prev.CurrentState)); err != nil {
			return "", newError(ErrorUnavailable, "state_delete_error", err)
		}
	}

	now := b.now()
	expireAt := repository.ExpireAt(now, b.cfg.StateTTL)
	if err := b.store.Put(ctx, b.cfg.StateTable, domain.AuthState{
		State:       state,
		TeamsUserID: teamsUserID,
		CreatedAt:   now.Unix(),
		ExpireAt:    expireAt,
	}); err != nil {
		return "", newError(ErrorUnavailable, "state_write_error", err)
	}
	if err := b.store.Put(ctx, b.cfg.StateTable, domain.PendingLogin{
		State:        pendingPrefix + teamsUserID,
		TeamsUserID:  teamsUserID,
		CurrentState: state,
		ExpireAt:     expireAt,
	}); err != nil {
		return "", newError(ErrorUnavailable, "state_write_error", err)
	}

	b.log.Info().Str("teams_user_id", teamsUserID).Bool("superseded", found).Msg("login started")
	return b.provider.AuthCodeURL(state), nil
}

// CompleteSession handles the provider redirect. The state token is consumed
// before any network call, so a replayed or concurrent second completion
// fails with INVALID_OR_EXPIRED_STATE. It returns the chat user the new
// credentials belong to, taken from the state record.
func (b *Broker) CompleteSession(ctx context.Context, state, code string) (string, error) {
	state = strings.TrimSpace(state)
	if state == "" || strings.HasPrefix(state, pendingPrefix) {
		b.log.Warn().Msg("callback with malformed state")
		return "", newError(ErrorInvalidState, "malformed_state", nil)
	}
	if strings.TrimSpace(code) == "" {
		return "", newError(ErrorInvalidInput, "empty_code", nil)
	}

	var st domain.AuthState
	found, err := b.store.Take(ctx, b.cfg.StateTable, stateKey(state), &st)
	if err != nil {
		return "", newError(ErrorUnavailable, "state_read_error", err)
	}
	if !found {
		b.log.Warn().Msg("callback with unknown, consumed or expired state")
		return "", newError(ErrorInvalidState, "state_not_found", nil)
	}
	log := b.log.With().Str("teams_user_id", st.TeamsUserID).Logger()

	var pending domain.PendingLogin
	found, err = b.store.Get(ctx, b.cfg.StateTable, pendingKey(st.TeamsUserID), &pending)
	if err != nil {
		return "", newError(ErrorUnavailable, "state_read_error", err)
	}
	if !found || pending.CurrentState != state {
		log.Warn().Msg("callback with superseded state")
		return "", newError(ErrorInvalidState, "state_superseded", nil)
	}

	tok, err := b.provider.Exchange(ctx, code)
	if err != nil {
		log.Warn().Err(err).Msg("identity provider exchange failed")
		return "", newError(ErrorIdPExchange, "code_exchange_error", err)
	}
	creds, err := b.fed.Federate(ctx, tok.Raw, st.TeamsUserID)
	if err != nil {
		log.Warn().Err(err).Msg("role assumption failed")
		return "", newError(ErrorRoleAssumption, "federation_error", err)
	}
	if !creds.Expiration.After(b.now()) {
		return "", newError(ErrorRoleAssumption, "credential_already_expired", nil)
	}

	payload, err := json.Marshal(creds)
	if err != nil {
		return "", newError(ErrorUnavailable, "credential_marshal_error", err)
	}
	ciphertext, err := b.sealer.Encrypt(ctx, payload, b.cfg.KeyID, st.TeamsUserID)
	if err != nil {
		return "", classifySealError(err)
	}
	if err := b.store.Put(ctx, b.cfg.CredentialTable, domain.SessionCredential{
		TeamsUserID:          st.TeamsUserID,
		EncryptedCredentials: ciphertext,
		ExpireAt:             creds.Expiration.Unix(),
	}); err != nil {
		return "", newError(ErrorUnavailable, "credential_write_error", err)
	}

	log.Info().Str("subject", tok.Subject).Time("expiration", creds.Expiration).Msg("session established")
	return st.TeamsUserID, nil
}

// EndSession removes the user's stored credentials. Removing a missing
// session is not an error.
func (b *Broker) EndSession(ctx context.Context, teamsUserID string) error {
	if strings.TrimSpace(teamsUserID) == "" {
		return newError(ErrorInvalidInput, "empty_user_id", nil)
	}
	if err := b.store.Delete(ctx, b.cfg.CredentialTable, credentialKey(teamsUserID)); err != nil {
		return newError(ErrorUnavailable, "credential_delete_error", err)
	}
	b.log.Info().Str("teams_user_id", teamsUserID).Msg("session ended")
	return nil
}

func classifySealError(err error) *Error {
	switch {
	case errors.Is(err, envelope.ErrIdentityMismatch):
		return newError(ErrorIntegrity, "identity_mismatch", err)
	case errors.Is(err, envelope.ErrDecryptFailed), errors.Is(err, envelope.ErrMalformedCiphertext):
		return newError(ErrorIntegrity, "ciphertext_invalid", err)
	case errors.Is(err, envelope.ErrKeyUnavailable):
		return newError(ErrorKeyUnavailable, "kms_key_unavailable", err)
	case errors.Is(err, envelope.ErrInvalidArgument):
		return newError(ErrorInvalidInput, "seal_argument_invalid", err)
	}
	return newError(ErrorUnavailable, "kms_error", err)
}

func stateKey(state string) repository.Key {
	return repository.Key{Name: stateKeyAttr, Value: state}
}

func pendingKey(teamsUserID string) repository.Key {
	return repository.Key{Name: stateKeyAttr, Value: pendingPrefix + teamsUserID}
}

func credentialKey(teamsUserID string) repository.Key {
	return repository.Key{Name: credentialKeyAttr, Value: teamsUserID}
}

func randomState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("session: generate state: %w", err)
	}
	return hex.EncodeToString(b), nil
}
