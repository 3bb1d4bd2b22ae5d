package main

import (
	"context"
	"crypto/rand"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awskms "github.com/aws/aws-sdk-go-v2/service/kms"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	awsssooidc "github.com/aws/aws-sdk-go-v2/service/ssooidc"
	awssts "github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/rs/zerolog"

	"qteams-bridge/handler"
	"qteams-bridge/internal/config"
	"qteams-bridge/internal/conversation"
	"qteams-bridge/internal/envelope"
	"qteams-bridge/internal/integrations/assistant"
	"qteams-bridge/internal/integrations/federation"
	"qteams-bridge/internal/integrations/idp"
	"qteams-bridge/internal/integrations/paramstore"
	"qteams-bridge/internal/logging"
	"qteams-bridge/internal/repository"
	"qteams-bridge/internal/session"
	"qteams-bridge/internal/usecase"
)

const localKeyID = "local"

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg, err := config.Load()
	if err != nil {
		boot := zerolog.New(os.Stderr).With().Timestamp().Logger()
		boot.Fatal().Err(err).Msg("failed to load configuration")
	}
	log := logging.NewLogger(cfg)

	// ---- AWS SDK config ----
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load AWS config")
	}

	// ---- Storage and encryption ----
	var (
		store  *repository.Client
		sealer *envelope.Client
		keyID  = cfg.KMSKeyARN
	)
	if cfg.MemoryBackend() {
		log.Warn().Msg("using in-memory store and local key service; state is lost on restart")
		api := repository.NewMemoryAPI(map[string]string{
			cfg.StateTable:   "state",
			cfg.SessionTable: "teamsUserId",
			cfg.CacheTable:   "channel",
			cfg.MessageTable: "messageId",
		})
		store, err = repository.New(api)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create memory store")
		}
		master := make([]byte, 32)
		if _, err := rand.Read(master); err != nil {
			log.Fatal().Err(err).Msg("failed to generate local master key")
		}
		if keyID == "" {
			keyID = localKeyID
		}
		kms, err := envelope.NewLocalKeyService(keyID, master)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create local key service")
		}
		sealer, err = envelope.New(kms)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create envelope client")
		}
	} else {
		store, err = repository.New(awsdynamodb.NewFromConfig(awsCfg))
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create dynamodb store")
		}
		sealer, err = envelope.New(awskms.NewFromConfig(awsCfg))
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create envelope client")
		}
	}

	// ---- Identity ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create SSM client")
	}
	clientSecret, err := paramstore.NewSecret(ssmClient, cfg.ClientSecretName)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create client secret source")
	}
	provider, err := idp.New(idp.Config{
		ProviderName: cfg.IdPName,
		IssuerURL:    cfg.IssuerURL,
		AuthURL:      cfg.AuthURL,
		TokenURL:     cfg.TokenURL,
		ClientID:     cfg.ClientID,
		RedirectURL:  cfg.RedirectURL,
		Scopes:       cfg.Scopes,
	}, clientSecret)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create identity provider client")
	}
	federator, err := federation.New(awsssooidc.NewFromConfig(awsCfg), awssts.NewFromConfig(awsCfg), federation.Config{
		ApplicationARN:  cfg.IDCAppARN,
		RoleARN:         cfg.RoleARN,
		SessionDuration: cfg.SessionDuration,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create federation client")
	}

	broker, err := session.NewBroker(store, sealer, provider, federator, session.Config{
		StateTable:      cfg.StateTable,
		CredentialTable: cfg.SessionTable,
		KeyID:           keyID,
		StateTTL:        cfg.StateTTL,
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create session broker")
	}

	// ---- Conversation ----
	cache, err := conversation.New(store, conversation.Config{
		ChannelTable: cfg.CacheTable,
		MessageTable: cfg.MessageTable,
		DaysToLive:   cfg.ContextDaysToLive,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create conversation cache")
	}
	clients, err := assistant.NewClientCache(
		assistant.NewAPIFactory(awsCfg, cfg.AssistantRegion, cfg.AssistantEndpoint),
		cfg.AssistantAppID,
		cfg.AssistantCacheSize,
	)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create assistant client cache")
	}

	// ---- Handler ----
	chat, err := usecase.NewChatService(broker, cache, clients, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create chat service")
	}
	h, err := handler.NewHandler(chat, broker, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create handler")
	}

	log.Info().Str("store_backend", cfg.StoreBackend).Str("idp", provider.Name()).Msg("starting")
	lambda.Start(h.Handle)
}
