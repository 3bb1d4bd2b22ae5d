// Package federation turns a provider ID token into temporary AWS
// credentials: IAM Identity Center exchanges the token through a trusted
// token issuer application, and STS assumes the target role with the
// resulting identity context attached.
package federation

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssooidc"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	ststypes "github.com/aws/aws-sdk-go-v2/service/sts/types"
	"github.com/golang-jwt/jwt/v4"

	"qteams-bridge/internal/domain"
)

const (
	jwtBearerGrant          = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	identityContextClaim    = "sts:identity_context"
	identityCenterProvider  = "arn:aws:iam::aws:contextProvider/IdentityCenter"
	defaultSessionDuration  = time.Hour
	maxRoleSessionNameBytes = 64
)

var sessionNameDisallowed = regexp.MustCompile(`[^\w+=,.@-]`)

type ssoOIDCAPI interface {
	CreateTokenWithIAM(ctx context.Context, in *ssooidc.CreateTokenWithIAMInput, optFns ...func(*ssooidc.Options)) (*ssooidc.CreateTokenWithIAMOutput, error)
}

type stsAPI interface {
	AssumeRole(ctx context.Context, in *sts.AssumeRoleInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleOutput, error)
}

type Config struct {
	// ApplicationARN is the Identity Center customer-managed application
	// configured with the provider as trusted token issuer.
	ApplicationARN  string
	RoleARN         string
	SessionDuration time.Duration
}

// Client federates ID tokens into role credentials.
type Client struct {
	sso ssoOIDCAPI
	sts stsAPI
	cfg Config
}

func New(sso ssoOIDCAPI, stsClient stsAPI, cfg Config) (*Client, error) {
	if sso == nil {
		return nil, errors.New("federation: sso oidc api must not be nil")
	}
	if stsClient == nil {
		return nil, errors.New("federation: sts api must not be nil")
	}
	if strings.TrimSpace(cfg.ApplicationARN) == "" {
		return nil, errors.New("federation: application arn must not be empty")
	}
	if strings.TrimSpace(cfg.RoleARN) == "" {
		return nil, errors.New("federation: role arn must not be empty")
	}
	if cfg.SessionDuration <= 0 {
		cfg.SessionDuration = defaultSessionDuration
	}
	return &Client{sso: sso, sts: stsClient, cfg: cfg}, nil
}

// Federate exchanges idToken for credentials scoped to the configured role.
// teamsUserID only names the role session.
func (c *Client) Federate(ctx context.Context, idToken, teamsUserID string) (domain.Credentials, error) {
	if strings.TrimSpace(idToken) == "" {
		return domain.Credentials{}, errors.New("federation: id token is required")
	}

	tok, err := c.sso.CreateTokenWithIAM(ctx, &ssooidc.CreateTokenWithIAMInput{
		ClientId:  aws.String(c.cfg.ApplicationARN),
		GrantType: aws.String(jwtBearerGrant),
		Assertion: aws.String(idToken),
	})
	if err != nil {
		return domain.Credentials{}, fmt.Errorf("federation: create token with iam: %w", err)
	}
	if tok == nil || aws.ToString(tok.IdToken) == "" {
		return domain.Credentials{}, errors.New("federation: identity center returned no id token")
	}
	assertion, err := identityContext(aws.ToString(tok.IdToken))
	if err != nil {
		return domain.Credentials{}, err
	}

	out, err := c.sts.AssumeRole(ctx, &sts.AssumeRoleInput{
		RoleArn:         aws.String(c.cfg.RoleARN),
		RoleSessionName: aws.String(roleSessionName(teamsUserID)),
		DurationSeconds: aws.Int32(int32(c.cfg.SessionDuration / time.Second)),
		ProvidedContexts: []ststypes.ProvidedContext{{
			ProviderArn:      aws.String(identityCenterProvider),
			ContextAssertion: aws.String(assertion),
		}},
	})
	if err != nil {
		return domain.Credentials{}, fmt.Errorf("federation: assume role: %w", err)
	}
	if out == nil || out.Credentials == nil {
		return domain.Credentials{}, errors.New("federation: assume role returned no credentials")
	}
	creds := domain.Credentials{
		AccessKeyID:     aws.ToString(out.Credentials.AccessKeyId),
		SecretAccessKey: aws.ToString(out.Credentials.SecretAccessKey),
		SessionToken:    aws.ToString(out.Credentials.SessionToken),
		Expiration:      aws.ToTime(out.Credentials.Expiration).UTC(),
	}
	if creds.AccessKeyID == "" || creds.SecretAccessKey == "" || creds.SessionToken == "" || creds.Expiration.IsZero() {
		return domain.Credentials{}, errors.New("federation: assume role returned incomplete credentials")
	}
	return creds, nil
}

func identityContext(idcToken string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(idcToken, claims); err != nil {
		return "", fmt.Errorf("federation: parse identity center token: %w", err)
	}
	v, _ := claims[identityContextClaim].(string)
	if v == "" {
		return "", fmt.Errorf("federation: identity center token missing %q claim", identityContextClaim)
	}
	return v, nil
}

func roleSessionName(teamsUserID string) string {
	name := sessionNameDisallowed.ReplaceAllString(teamsUserID, "-")
	if len(name) > maxRoleSessionNameBytes {
		name = name[:maxRoleSessionNameBytes]
	}
	if len(name) < 2 {
		name = "chat-user"
	}
	return name
}
