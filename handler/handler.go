package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"qteams-bridge/internal/domain"
	"qteams-bridge/internal/session"
	"qteams-bridge/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"

	routeCallback = "/oauth/callback"
	routeMessages = "/messages"
	routeFeedback = "/feedback"
	routeSources  = "/sources"

	codeNotFound         = "NOT_FOUND"
	codeMethodNotAllowed = "METHOD_NOT_ALLOWED"
	codeAuthFailed       = "AUTHENTICATION_FAILED"
	codeUnavailable      = "UNAVAILABLE"

	signedInPage = "Signed in. You can return to the chat and resend your message."
)

type ChatUseCase interface {
	HandleTurn(ctx context.Context, in usecase.TurnInput) (usecase.TurnOutput, error)
	SubmitFeedback(ctx context.Context, in usecase.FeedbackInput) error
	Sources(ctx context.Context, messageID string) ([]domain.SourceAttribution, error)
}

type SessionCompleter interface {
	CompleteSession(ctx context.Context, state, code string) (string, error)
}

type Handler struct {
	chat     ChatUseCase
	sessions SessionCompleter
	validate *validator.Validate
	log      zerolog.Logger
}

type messageRequest struct {
	UserID           string `json:"userId" validate:"required,max=512"`
	TenantID         string `json:"tenantId" validate:"required_if=ConversationType personal"`
	ConversationType string `json:"conversationType" validate:"required,oneof=personal groupChat channel"`
	Text             string `json:"text" validate:"required"`
}

type messageResponse struct {
	Reply     string                     `json:"reply"`
	MessageID string                     `json:"messageId,omitempty"`
	SignInURL string                     `json:"signInUrl,omitempty"`
	Sources   []domain.SourceAttribution `json:"sources,omitempty"`
}

type feedbackRequest struct {
	UserID    string `json:"userId" validate:"required,max=512"`
	MessageID string `json:"messageId" validate:"required"`
	Useful    bool   `json:"useful"`
	Reason    string `json:"reason" validate:"omitempty,max=64"`
}

type feedbackResponse struct {
	Status string `json:"status"`
}

type sourcesResponse struct {
	Sources []domain.SourceAttribution `json:"sources"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func NewHandler(chat ChatUseCase, sessions SessionCompleter, logger zerolog.Logger) (*Handler, error) {
	if chat == nil {
		return nil, errors.New("handler: chat use case must not be nil")
	}
	if sessions == nil {
		return nil, errors.New("handler: session completer must not be nil")
	}
	return &Handler{
		chat:     chat,
		sessions: sessions,
		validate: validator.New(),
		log:      logger,
	}, nil
}

// Handle routes an API Gateway proxy request. Failures are reported in the
// response; the returned error is always nil so Lambda does not retry.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := headerValue(req.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	log := h.log.With().Str("correlation_id", correlationID).Str("path", req.Path).Logger()
	ctx = log.WithContext(ctx)

	var resp events.APIGatewayProxyResponse
	switch path := strings.TrimRight(req.Path, "/"); path {
	case routeCallback:
		resp = h.only(req, http.MethodGet, func() events.APIGatewayProxyResponse { return h.callback(ctx, log, req) })
	case routeMessages:
		resp = h.only(req, http.MethodPost, func() events.APIGatewayProxyResponse { return h.messages(ctx, log, req) })
	case routeFeedback:
		resp = h.only(req, http.MethodPost, func() events.APIGatewayProxyResponse { return h.feedback(ctx, log, req) })
	case routeSources:
		resp = h.only(req, http.MethodGet, func() events.APIGatewayProxyResponse { return h.sources(ctx, log, req) })
	default:
		resp = jsonResponse(http.StatusNotFound, errorResponse{Error: codeNotFound})
	}

	resp.Headers[correlationHeader] = correlationID
	log.Info().Str("method", req.HTTPMethod).Int("status", resp.StatusCode).Msg("request handled")
	return resp, nil
}

func (h *Handler) only(req events.APIGatewayProxyRequest, method string, next func() events.APIGatewayProxyResponse) events.APIGatewayProxyResponse {
	if req.HTTPMethod != method {
		resp := jsonResponse(http.StatusMethodNotAllowed, errorResponse{Error: codeMethodNotAllowed})
		resp.Headers["Allow"] = method
		return resp
	}
	return next()
}

func (h *Handler) callback(ctx context.Context, log zerolog.Logger, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	q := req.QueryStringParameters
	if idpErr := q["error"]; idpErr != "" {
		log.Warn().Str("idp_error", idpErr).Str("idp_error_description", q["error_description"]).Msg("identity provider returned an error")
		return jsonResponse(http.StatusBadRequest, errorResponse{Error: codeAuthFailed})
	}

	teamsUserID, err := h.sessions.CompleteSession(ctx, q["state"], q["code"])
	if err != nil {
		status, code := sessionErrorStatus(err)
		log.Warn().Err(err).Int("status", status).Msg("oauth callback failed")
		return jsonResponse(status, errorResponse{Error: code})
	}
	log.Info().Str("teams_user_id", teamsUserID).Msg("oauth callback completed")
	return events.APIGatewayProxyResponse{
		StatusCode: http.StatusOK,
		Headers:    map[string]string{"Content-Type": "text/plain; charset=utf-8"},
		Body:       signedInPage,
	}
}

func (h *Handler) messages(ctx context.Context, log zerolog.Logger, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	var body messageRequest
	if resp, ok := h.decode(req, &body); !ok {
		return resp
	}
	out, err := h.chat.HandleTurn(ctx, usecase.TurnInput{
		UserID:           body.UserID,
		TenantID:         body.TenantID,
		ConversationType: body.ConversationType,
		Text:             body.Text,
	})
	if err != nil {
		return useCaseErrorResponse(log, err)
	}
	return jsonResponse(http.StatusOK, messageResponse{
		Reply:     out.Reply,
		MessageID: out.MessageID,
		SignInURL: out.SignInURL,
		Sources:   out.Sources,
	})
}

func (h *Handler) feedback(ctx context.Context, log zerolog.Logger, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	var body feedbackRequest
	if resp, ok := h.decode(req, &body); !ok {
		return resp
	}
	if err := h.chat.SubmitFeedback(ctx, usecase.FeedbackInput{
		UserID:    body.UserID,
		MessageID: body.MessageID,
		Useful:    body.Useful,
		Reason:    body.Reason,
	}); err != nil {
		return useCaseErrorResponse(log, err)
	}
	return jsonResponse(http.StatusOK, feedbackResponse{Status: "recorded"})
}

func (h *Handler) sources(ctx context.Context, log zerolog.Logger, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	sources, err := h.chat.Sources(ctx, req.QueryStringParameters["messageId"])
	if err != nil {
		return useCaseErrorResponse(log, err)
	}
	if sources == nil {
		sources = []domain.SourceAttribution{}
	}
	return jsonResponse(http.StatusOK, sourcesResponse{Sources: sources})
}

func (h *Handler) decode(req events.APIGatewayProxyRequest, out any) (events.APIGatewayProxyResponse, bool) {
	raw := []byte(req.Body)
	if req.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(req.Body)
		if err != nil {
			return jsonResponse(http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput)}), false
		}
		raw = decoded
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return jsonResponse(http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput)}), false
	}
	if err := h.validate.Struct(out); err != nil {
		return jsonResponse(http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput)}), false
	}
	return events.APIGatewayProxyResponse{}, true
}

func useCaseErrorResponse(log zerolog.Logger, err error) events.APIGatewayProxyResponse {
	status, code := useCaseErrorStatus(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("code", code).Msg("request failed")
	} else {
		log.Warn().Err(err).Str("code", code).Msg("request rejected")
	}
	return jsonResponse(status, errorResponse{Error: code})
}

func useCaseErrorStatus(err error) (int, string) {
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		return http.StatusInternalServerError, string(usecase.ErrorInternal)
	}
	switch ucErr.Code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest, string(ucErr.Code)
	case usecase.ErrorMessageNotFound:
		return http.StatusNotFound, string(ucErr.Code)
	case usecase.ErrorSignInRequired:
		return http.StatusUnauthorized, string(ucErr.Code)
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests, string(ucErr.Code)
	case usecase.ErrorUpstream:
		return http.StatusBadGateway, string(ucErr.Code)
	default:
		return http.StatusInternalServerError, string(usecase.ErrorInternal)
	}
}

func sessionErrorStatus(err error) (int, string) {
	switch code := session.CodeOf(err); code {
	case session.ErrorInvalidState, session.ErrorInvalidInput:
		return http.StatusBadRequest, string(code)
	case session.ErrorIdPExchange, session.ErrorRoleAssumption:
		return http.StatusBadGateway, codeAuthFailed
	case session.ErrorUnavailable:
		return http.StatusServiceUnavailable, codeUnavailable
	default:
		return http.StatusInternalServerError, string(usecase.ErrorInternal)
	}
}

func jsonResponse(status int, body any) events.APIGatewayProxyResponse {
	raw, err := json.Marshal(body)
	if err != nil {
		status = http.StatusInternalServerError
		raw = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(raw),
	}
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
