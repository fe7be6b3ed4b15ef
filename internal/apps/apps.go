// ABOUTME: Catalog of the bundled capability modules, one per auth variant
// ABOUTME: Deps carries the storage and HTTP plumbing the modules need at construction

package apps

import (
	"net/http"

	"github.com/2389/coven-apps/internal/capability"
	"github.com/2389/coven-apps/internal/store"
)

// Deps holds what the bundled modules are built from.
type Deps struct {
	Notes store.NoteStore
	// HTTPClient is used by the HTTP-backed modules. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client
	// GitHubAPI overrides the GitHub REST base URL.
	GitHubAPI string
}

// Modules returns every bundled module. The notes module is left out when
// no note store is configured.
func Modules(d Deps) []*capability.Module {
	var mods []*capability.Module
	if d.Notes != nil {
		mods = append(mods, Notes(d.Notes))
	}
	return append(mods,
		Postgres(),
		GitHub(GitHubConfig{APIBaseURL: d.GitHubAPI, HTTPClient: d.HTTPClient}),
		Webhook(d.HTTPClient),
		Matrix(d.HTTPClient),
	)
}

// Catalog validates and indexes the bundled modules.
func Catalog(d Deps) (*capability.Catalog, error) {
	return capability.NewCatalog(Modules(d)...)
}

func boolPtr(b bool) *bool { return &b }

func readOnly() capability.ToolOption {
	return capability.WithAnnotations(capability.Annotations{ReadOnlyHint: boolPtr(true)})
}

func httpClient(c *http.Client) *http.Client {
	if c == nil {
		return http.DefaultClient
	}
	return c
}
