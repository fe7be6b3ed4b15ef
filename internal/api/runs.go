// ABOUTME: Run ledger operations: list and fetch recorded tool invocations
// ABOUTME: Callers see their own runs; admins may filter by any owner

package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/2389/coven-apps/internal/auth"
	"github.com/2389/coven-apps/internal/runledger"
)

type listRunsInput struct {
	ServerID string `query:"server_id"`
	App      string `query:"app"`
	Status   string `query:"status" enum:"PENDING,SUCCESS,FAILED"`
	Owner    string `query:"owner" doc:"Admins only"`
	Limit    int    `query:"limit" minimum:"0" maximum:"1000"`
}

func (h *handler) registerRuns(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/v1/runs",
		Summary:     "List tool runs, newest first",
		Errors:      []int{http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *listRunsInput) (*struct {
		Body []*runledger.Run `json:"body"`
	}, error) {
		user, authErr := userID(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if h.runs == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "unavailable", "run ledger is not configured")
		}
		f := runledger.Filter{
			OwnerID:  user,
			ServerID: input.ServerID,
			AppID:    input.App,
			Status:   runledger.Status(input.Status),
			Limit:    input.Limit,
		}
		if auth.FromContext(ctx).IsAdmin() {
			f.OwnerID = input.Owner
		}
		runs, err := h.runs.ListRuns(ctx, f)
		if err != nil {
			return nil, h.handleError(err)
		}
		if runs == nil {
			runs = []*runledger.Run{}
		}
		return &struct {
			Body []*runledger.Run `json:"body"`
		}{Body: runs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/v1/runs/{id}",
		Summary:     "Fetch one run",
		Errors:      []int{http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body *runledger.Run `json:"body"`
	}, error) {
		user, authErr := userID(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if h.runs == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "unavailable", "run ledger is not configured")
		}
		run, err := h.runs.GetRun(ctx, input.ID)
		if err != nil {
			return nil, h.handleError(err)
		}
		// Another owner's run is reported as missing.
		if run.OwnerID != user && !auth.FromContext(ctx).IsAdmin() {
			return nil, h.handleError(runledger.ErrNotFound)
		}
		return &struct {
			Body *runledger.Run `json:"body"`
		}{Body: run}, nil
	})
}
