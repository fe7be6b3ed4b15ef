// ABOUTME: Matrix app: sends markdown messages to a room as the connected user
// ABOUTME: The credential is a custom homeserver/user/token triple checked with whoami

package apps

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-apps/internal/appauth"
	"github.com/2389/coven-apps/internal/capability"
	"github.com/2389/coven-apps/internal/props"
)

var (
	mxHomeserver = props.ShortText.Required("homeserver", props.Config[string]{
		DisplayName: "Homeserver",
		Description: "Base URL, e.g. https://matrix.org",
	})
	mxUserID = props.ShortText.Required("user_id", props.Config[string]{
		DisplayName: "User ID",
		Description: "Full Matrix id, e.g. @bot:matrix.org",
	})
	mxAccessToken = props.ShortText.Required("access_token", props.Config[string]{
		DisplayName: "Access token",
	})

	mxRoom = props.ShortText.Required("room_id", props.Config[string]{
		DisplayName: "Room",
		Description: "Room id such as !abc:matrix.org",
	})
	mxText = props.LongText.Required("text", props.Config[string]{
		DisplayName: "Message",
		Description: "Markdown text to send",
	})
	mxNotice = props.Checkbox.Optional("notice", props.Config[bool]{
		DisplayName: "Send as notice",
	})
)

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

type matrixApp struct {
	client *http.Client
	auth   *appauth.Auth[props.Values]
}

// Matrix builds the matrix module. client is used for every homeserver
// request, validation included.
func Matrix(client *http.Client) *capability.Module {
	m := &matrixApp{client: httpClient(client)}
	m.auth = appauth.CustomAuth(appauth.CustomAuthConfig{
		DisplayName: "Matrix account",
		Description: "Homeserver, user id and access token of the sending account",
		Required:    true,
		Props:       props.NewMap(mxHomeserver, mxUserID, mxAccessToken),
		Validate:    m.validate,
	})
	return &capability.Module{
		Name:        "matrix",
		DisplayName: "Matrix",
		Description: "Send messages to Matrix rooms",
		Categories:  []capability.Category{capability.CategoryCommunication},
		Auth:        m.auth,
		Tools: []*capability.Tool{
			capability.ParamTool("send_message", "Send a markdown message to a room",
				props.NewMap(mxRoom, mxText, mxNotice), m.sendMessage,
				capability.WithAnnotations(capability.Annotations{OpenWorldHint: boolPtr(true)})),
		},
	}
}

func (m *matrixApp) newClient(v props.Values) (*mautrix.Client, id.UserID, error) {
	hs, err := mxHomeserver.Value(v)
	if err != nil {
		return nil, "", err
	}
	user, err := mxUserID.Value(v)
	if err != nil {
		return nil, "", err
	}
	token, err := mxAccessToken.Value(v)
	if err != nil {
		return nil, "", err
	}
	uid := id.UserID(user)
	if _, _, err := uid.Parse(); err != nil {
		return nil, "", fmt.Errorf("invalid user id %q: %w", user, err)
	}
	cli, err := mautrix.NewClient(hs, uid, token)
	if err != nil {
		return nil, "", fmt.Errorf("creating matrix client: %w", err)
	}
	cli.Client = m.client
	return cli, uid, nil
}

func (m *matrixApp) validate(ctx context.Context, v props.Values) error {
	cli, uid, err := m.newClient(v)
	if err != nil {
		return err
	}
	resp, err := cli.Whoami(ctx)
	if err != nil {
		return fmt.Errorf("whoami: %w", err)
	}
	if resp.UserID != uid {
		return fmt.Errorf("token belongs to %s, not %s", resp.UserID, uid)
	}
	return nil
}

func (m *matrixApp) sendMessage(ctx context.Context, args props.Values, ec capability.ExecutionContext) (*capability.Result, error) {
	creds, ok := m.auth.From(ec.Auth)
	if !ok {
		return capability.NotConnected("Matrix"), nil
	}
	room, err := mxRoom.Value(args)
	if err != nil {
		return nil, err
	}
	text, err := mxText.Value(args)
	if err != nil {
		return nil, err
	}
	notice, err := mxNotice.Value(args)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(room, "!") {
		return capability.Errorf("room_id must be a room id starting with '!', got %q", room), nil
	}

	cli, _, err := m.newClient(creds)
	if err != nil {
		return capability.Errorf("%v", err), nil
	}

	content, err := messageContent(text, notice != nil && *notice)
	if err != nil {
		return nil, err
	}
	resp, err := cli.SendMessageEvent(ctx, id.RoomID(room), event.EventMessage, content)
	if err != nil {
		return capability.Errorf("send message: %v", err), nil
	}
	return capability.JSONResult(map[string]string{"event_id": resp.EventID.String()}), nil
}

// messageContent renders text as HTML alongside the plain body.
func messageContent(text string, notice bool) (*event.MessageEventContent, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(text), &buf); err != nil {
		return nil, fmt.Errorf("rendering markdown: %w", err)
	}
	msgType := event.MsgText
	if notice {
		msgType = event.MsgNotice
	}
	return &event.MessageEventContent{
		MsgType:       msgType,
		Body:          text,
		Format:        event.FormatHTML,
		FormattedBody: strings.TrimSpace(buf.String()),
	}, nil
}
