package handler

import (
	"context"
	"encoding/base64"
	"net/http"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/require"

	"minichat/internal/usecase"
)

func TestLambdaHandler_VerifyChallenge(t *testing.T) {
	l := NewLambdaHandler(newTestHandler(t, Deps{Ingestor: &fakeIngestor{}}))

	query := map[string]string{
		"hub.mode":         "subscribe",
		"hub.verify_token": "verify-me",
		"hub.challenge":    "777",
	}
	resp, err := l.Handle(context.Background(), events.APIGatewayProxyRequest{
		HTTPMethod:            http.MethodGet,
		Path:                  "/webhook",
		QueryStringParameters: query,
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "777", resp.Body)
	require.NotEmpty(t, resp.Headers[correlationHeader])
}

func TestLambdaHandler_Base64Webhook(t *testing.T) {
	ing := &fakeIngestor{}
	l := NewLambdaHandler(newTestHandler(t, Deps{Ingestor: ing}))

	resp, err := l.Handle(context.Background(), events.APIGatewayProxyRequest{
		HTTPMethod:      http.MethodPost,
		Path:            "/webhook",
		Headers:         map[string]string{"Content-Type": "application/json", "X-Correlation-Id": "corr-1"},
		Body:            base64.StdEncoding.EncodeToString([]byte(webhookBody)),
		IsBase64Encoded: true,
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "corr-1", resp.Headers[correlationHeader])
	require.Equal(t, "application/json", resp.Headers["Content-Type"])
	require.Len(t, ing.events, 3)
}

func TestLambdaHandler_InvalidBase64(t *testing.T) {
	l := NewLambdaHandler(newTestHandler(t, Deps{}))

	resp, err := l.Handle(context.Background(), events.APIGatewayProxyRequest{
		HTTPMethod:      http.MethodPost,
		Path:            "/webhook",
		Body:            "%%%",
		IsBase64Encoded: true,
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Contains(t, resp.Body, string(usecase.ErrorInvalidInput))
}

func TestLambdaHandler_UnknownRoute(t *testing.T) {
	l := NewLambdaHandler(newTestHandler(t, Deps{}))

	resp, err := l.Handle(context.Background(), events.APIGatewayProxyRequest{HTTPMethod: http.MethodGet, Path: "/nope"})
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
