// ABOUTME: Webhook app: posts JSON payloads to an HTTP endpoint with basic auth
// ABOUTME: Non-2xx responses come back as in-band errors the agent can read

package apps

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/2389/coven-apps/internal/appauth"
	"github.com/2389/coven-apps/internal/capability"
	"github.com/2389/coven-apps/internal/props"
)

const maxWebhookResponse = 4 << 10

// WebhookAuth is the credential of the webhook module.
var WebhookAuth = appauth.BasicAuth(appauth.BasicAuthConfig{
	DisplayName: "Credentials",
	Description: "Sent as HTTP basic auth with every request",
	Required:    true,
	Username:    appauth.Descriptor{DisplayName: "Username"},
	Password:    appauth.Descriptor{DisplayName: "Password"},
})

var (
	hookURL = props.ShortText.Required("url", props.Config[string]{
		DisplayName: "URL",
		Description: "http or https endpoint to post to",
	})
	hookPayload = props.JSON.Required("payload", props.Config[json.RawMessage]{
		DisplayName: "Payload",
		Description: "JSON body of the request",
	})
	hookHeaders = props.Object(nil).Optional("headers", props.Config[map[string]any]{
		DisplayName: "Headers",
		Description: "Extra request headers; values must be strings",
	})
)

func Webhook(client *http.Client) *capability.Module {
	w := &webhookApp{client: httpClient(client)}
	return &capability.Module{
		Name:        "webhook",
		DisplayName: "Webhook",
		Description: "Send JSON to an HTTP endpoint",
		Categories:  []capability.Category{capability.CategoryDeveloper},
		Auth:        WebhookAuth,
		Tools: []*capability.Tool{
			capability.ParamTool("post_json", "POST a JSON payload and return the response",
				props.NewMap(hookURL, hookPayload, hookHeaders), w.postJSON,
				capability.WithAnnotations(capability.Annotations{OpenWorldHint: boolPtr(true)})),
		},
	}
}

type webhookApp struct {
	client *http.Client
}

func (w *webhookApp) postJSON(ctx context.Context, args props.Values, ec capability.ExecutionContext) (*capability.Result, error) {
	creds, ok := WebhookAuth.From(ec.Auth)
	if !ok {
		return capability.NotConnected("Webhook"), nil
	}
	target, err := hookURL.Value(args)
	if err != nil {
		return nil, err
	}
	payload, err := hookPayload.Value(args)
	if err != nil {
		return nil, err
	}
	headers, err := hookHeaders.Value(args)
	if err != nil {
		return nil, err
	}

	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return capability.Errorf("url must be an absolute http or https URL"), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	if headers != nil {
		for k, v := range *headers {
			s, ok := v.(string)
			if !ok {
				return capability.Errorf("header %q must be a string", k), nil
			}
			req.Header.Set(k, s)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(creds.Username, creds.Password)

	resp, err := w.client.Do(req)
	if err != nil {
		return capability.Errorf("post %s: %v", u.Host, err), nil
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxWebhookResponse+1))
	truncated := len(body) > maxWebhookResponse
	if truncated {
		body = body[:maxWebhookResponse]
	}
	out := map[string]any{
		"status":    resp.StatusCode,
		"body":      responseBody(body),
		"truncated": truncated,
	}
	if resp.StatusCode >= 300 {
		raw, _ := json.Marshal(out)
		return capability.Errorf("webhook returned %d: %s", resp.StatusCode, raw), nil
	}
	return capability.JSONResult(out), nil
}

// responseBody keeps JSON responses structured and everything else as text.
func responseBody(b []byte) any {
	if json.Valid(b) {
		return json.RawMessage(b)
	}
	if !utf8.Valid(b) {
		return fmt.Sprintf("<%d bytes of binary data>", len(b))
	}
	return strings.TrimSpace(string(b))
}
