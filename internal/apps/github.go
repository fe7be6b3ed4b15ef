// ABOUTME: GitHub app: viewer and repository lookups over the REST API
// ABOUTME: Connected through OAuth2; requests go out through an oauth2 HTTP client

package apps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/oauth2"

	"github.com/2389/coven-apps/internal/appauth"
	"github.com/2389/coven-apps/internal/capability"
	"github.com/2389/coven-apps/internal/props"
)

const defaultGitHubAPI = "https://api.github.com"

// GitHubAuth is the credential of the github module.
var GitHubAuth = appauth.OAuth2(appauth.OAuth2Config{
	Description:         "Connect your GitHub account",
	AuthURL:             "https://github.com/login/oauth/authorize",
	TokenURL:            "https://github.com/login/oauth/access_token",
	Scope:               []string{"read:user", "repo"},
	AuthorizationMethod: appauth.AuthorizationBody,
})

type GitHubConfig struct {
	// APIBaseURL defaults to https://api.github.com.
	APIBaseURL string
	HTTPClient *http.Client
}

type githubApp struct {
	base   string
	client *http.Client

	visibility *props.Optional[string]
	perPage    *props.Optional[float64]
	repo       *props.Required[string]
}

func GitHub(cfg GitHubConfig) *capability.Module {
	base := strings.TrimRight(cfg.APIBaseURL, "/")
	if base == "" {
		base = defaultGitHubAPI
	}
	g := &githubApp{base: base, client: httpClient(cfg.HTTPClient)}

	g.visibility = props.StaticDropdown(
		props.Choice[string]{Label: "All", Value: "all"},
		props.Choice[string]{Label: "Public", Value: "public"},
		props.Choice[string]{Label: "Private", Value: "private"},
	).Optional("visibility", props.Config[string]{DisplayName: "Visibility"})
	g.perPage = props.Number.Optional("per_page", props.Config[float64]{
		DisplayName: "Page size",
		Description: "Number of repositories to return, at most 100",
	})
	g.repo = props.Dropdown(g.repoChoices).Required("repository", props.Config[string]{
		DisplayName: "Repository",
		Description: "owner/name of the repository",
	})

	return &capability.Module{
		Name:        "github",
		DisplayName: "GitHub",
		Description: "Look up GitHub accounts and repositories",
		Categories:  []capability.Category{capability.CategoryDeveloper},
		Auth:        GitHubAuth,
		Tools: []*capability.Tool{
			capability.SimpleTool("get_viewer", "Return the profile of the connected GitHub user",
				g.getViewer, readOnly()),
			capability.ParamTool("list_repositories", "List repositories the connected user can access",
				props.NewMap(g.visibility, g.perPage), g.listRepositories, readOnly()),
			capability.ParamTool("get_repository", "Return details of one repository",
				props.NewMap(g.repo), g.getRepository, readOnly()),
		},
	}
}

type githubUser struct {
	Login     string `json:"login"`
	Name      string `json:"name,omitempty"`
	Email     string `json:"email,omitempty"`
	HTMLURL   string `json:"html_url"`
	Followers int    `json:"followers"`
}

type githubRepo struct {
	FullName      string `json:"full_name"`
	Description   string `json:"description,omitempty"`
	Private       bool   `json:"private"`
	HTMLURL       string `json:"html_url"`
	DefaultBranch string `json:"default_branch"`
	Stars         int    `json:"stargazers_count"`
	OpenIssues    int    `json:"open_issues_count"`
}

// githubError carries a non-2xx response from the API.
type githubError struct {
	StatusCode int
	Message    string
}

func (e *githubError) Error() string {
	return fmt.Sprintf("github returned %d: %s", e.StatusCode, e.Message)
}

func (g *githubApp) getViewer(ctx context.Context, ec capability.ExecutionContext) (*capability.Result, error) {
	tok, ok := GitHubAuth.From(ec.Auth)
	if !ok {
		return capability.NotConnected("GitHub"), nil
	}
	var user githubUser
	if err := g.get(ctx, tok, "/user", nil, &user); err != nil {
		return githubResult(err)
	}
	return capability.JSONResult(user), nil
}

func (g *githubApp) listRepositories(ctx context.Context, args props.Values, ec capability.ExecutionContext) (*capability.Result, error) {
	tok, ok := GitHubAuth.From(ec.Auth)
	if !ok {
		return capability.NotConnected("GitHub"), nil
	}
	visibility, err := g.visibility.Value(args)
	if err != nil {
		return nil, err
	}
	perPage, err := g.perPage.Value(args)
	if err != nil {
		return nil, err
	}

	repos, err := g.repositories(ctx, tok, visibility, perPage)
	if err != nil {
		return githubResult(err)
	}
	return capability.JSONResult(map[string]any{"repositories": repos}), nil
}

func (g *githubApp) getRepository(ctx context.Context, args props.Values, ec capability.ExecutionContext) (*capability.Result, error) {
	tok, ok := GitHubAuth.From(ec.Auth)
	if !ok {
		return capability.NotConnected("GitHub"), nil
	}
	name, err := g.repo.Value(args)
	if err != nil {
		return nil, err
	}
	owner, repo, found := strings.Cut(name, "/")
	if !found || owner == "" || repo == "" {
		return capability.Errorf("repository must be owner/name, got %q", name), nil
	}

	var out githubRepo
	path := "/repos/" + url.PathEscape(owner) + "/" + url.PathEscape(repo)
	if err := g.get(ctx, tok, path, nil, &out); err != nil {
		return githubResult(err)
	}
	return capability.JSONResult(out), nil
}

// repoChoices loads the repository dropdown from the connected account.
func (g *githubApp) repoChoices(ctx context.Context, auth any) ([]props.Choice[string], error) {
	tok, ok := GitHubAuth.From(auth)
	if !ok {
		return nil, fmt.Errorf("github is not connected")
	}
	perPage := float64(100)
	repos, err := g.repositories(ctx, tok, nil, &perPage)
	if err != nil {
		return nil, err
	}
	choices := make([]props.Choice[string], len(repos))
	for i, r := range repos {
		choices[i] = props.Choice[string]{Label: r.FullName, Value: r.FullName}
	}
	return choices, nil
}

func (g *githubApp) repositories(ctx context.Context, tok appauth.OAuth2Value, visibility *string, perPage *float64) ([]githubRepo, error) {
	q := url.Values{"sort": {"updated"}}
	if visibility != nil {
		q.Set("visibility", *visibility)
	}
	n := 30
	if perPage != nil && *perPage >= 1 {
		n = min(int(*perPage), 100)
	}
	q.Set("per_page", strconv.Itoa(n))

	var repos []githubRepo
	if err := g.get(ctx, tok, "/user/repos", q, &repos); err != nil {
		return nil, err
	}
	if repos == nil {
		repos = []githubRepo{}
	}
	return repos, nil
}

func (g *githubApp) get(ctx context.Context, tok appauth.OAuth2Value, path string, q url.Values, out any) error {
	u := g.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	// The token is already fresh; the credential service refreshes it
	// before handing it to a tool.
	cctx := context.WithValue(ctx, oauth2.HTTPClient, g.client)
	resp, err := oauth2.NewClient(cctx, oauth2.StaticTokenSource(tok.Token())).Do(req)
	if err != nil {
		return fmt.Errorf("github request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var body struct {
			Message string `json:"message"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &body) != nil || body.Message == "" {
			body.Message = strings.TrimSpace(string(raw))
		}
		return &githubError{StatusCode: resp.StatusCode, Message: body.Message}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding github response: %w", err)
	}
	return nil
}

// githubResult turns API failures into in-band errors and leaves transport
// failures as Go errors.
func githubResult(err error) (*capability.Result, error) {
	var ge *githubError
	if errors.As(err, &ge) {
		return capability.Errorf("%v", ge), nil
	}
	return nil, err
}
