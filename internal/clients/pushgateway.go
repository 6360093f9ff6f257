package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

const defaultRegisterTimeout = 15 * time.Second

// TokenRegistrar forwards an obtained push token to the backend. The engine
// only needs to know the token was forwarded; transport and delivery are the
// backend's concern.
type TokenRegistrar interface {
	RegisterToken(ctx context.Context, userID, token string) error
}

// PushGateway posts push tokens to a registration endpoint.
type PushGateway struct {
	endpoint   string
	httpClient *http.Client
}

// NewPushGateway creates a gateway client for the given endpoint.
func NewPushGateway(endpoint string) *PushGateway {
	return &PushGateway{
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: defaultRegisterTimeout,
		},
	}
}

type registerRequest struct {
	UserID string `json:"userId"`
	Token  string `json:"fcmToken"`
}

// RegisterToken forwards the token for the user.
func (g *PushGateway) RegisterToken(ctx context.Context, userID, token string) error {
	payload, err := json.Marshal(registerRequest{UserID: userID, Token: token})
	if err != nil {
		return errors.Wrap(err, "marshal register request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "build register request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "post push token")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Errorf("push gateway returned %d: %s", resp.StatusCode, string(body))
	}
	return nil
}
