// ABOUTME: Subcommands of coven-apps-admin
// ABOUTME: token and new-key work offline; the rest call the management API

package main

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/2389/coven-apps/internal/auth"
	"github.com/2389/coven-apps/internal/config"
)

type clientFunc func(*cobra.Command) *apiClient

func tokenCmd(v *viper.Viper) *cobra.Command {
	var (
		user  string
		admin bool
		ttl   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token signed with the server's jwt_secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(user) == "" {
				return fmt.Errorf("--user is required")
			}
			cfg, err := config.Load(v.GetString("config"))
			if err != nil {
				return err
			}
			verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
			if err != nil {
				return err
			}
			var roles []string
			if admin {
				roles = append(roles, auth.RoleAdmin)
			}
			tok, err := verifier.Generate(user, ttl, roles...)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id (sub claim)")
	cmd.Flags().BoolVar(&admin, "admin", false, "grant the admin role")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func newKeyCmd() *cobra.Command {
	var cost int
	cmd := &cobra.Command{
		Use:   "new-key",
		Short: "Generate a platform API key and its bcrypt hash",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := auth.NewAPIKey()
			if err != nil {
				return err
			}
			hash, err := auth.HashAPIKey(key, cost)
			if err != nil {
				return err
			}
			printKV(cmd, "api_key", key)
			printKV(cmd, "hash", hash)
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), color.HiBlackString("put the hash in platform.api_key_hash; give the key to agents"))
			return nil
		},
	}
	cmd.Flags().IntVar(&cost, "cost", 0, "bcrypt cost (default 10)")
	return cmd
}

type appInfo struct {
	Name        string   `json:"name"`
	DisplayName string   `json:"displayName"`
	Categories  []string `json:"categories"`
	Auth        *struct {
		Kind string `json:"type"`
	} `json:"auth"`
	Tools []struct {
		Name string `json:"name"`
	} `json:"tools"`
}

func appsCmd(client clientFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "apps",
		Short: "List the app catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := client(cmd)
			var apps []appInfo
			if err := c.do(cmd.Context(), http.MethodGet, "/v1/apps", nil, &apps); err != nil {
				return handled(err)
			}
			rows := make([]table.Row, 0, len(apps))
			for _, a := range apps {
				kind := "none"
				if a.Auth != nil {
					kind = a.Auth.Kind
				}
				rows = append(rows, table.Row{a.Name, a.DisplayName, kind, len(a.Tools), strings.Join(a.Categories, ", ")})
			}
			c.table(table.Row{"Name", "Display Name", "Auth", "Tools", "Categories"}, rows)
			return nil
		},
	}
}

func connectionsCmd(client clientFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connections",
		Short: "Manage your app connections",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List connected apps",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := client(cmd)
			var conns []struct {
				App       string    `json:"app"`
				Kind      string    `json:"kind"`
				UpdatedAt time.Time `json:"updatedAt"`
			}
			if err := c.do(cmd.Context(), http.MethodGet, "/v1/connections", nil, &conns); err != nil {
				return handled(err)
			}
			rows := make([]table.Row, 0, len(conns))
			for _, cn := range conns {
				rows = append(rows, table.Row{cn.App, cn.Kind, cn.UpdatedAt.Local().Format(time.DateTime)})
			}
			c.table(table.Row{"App", "Kind", "Updated"}, rows)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "delete APP",
		Short: "Disconnect an app",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client(cmd)
			if err := c.do(cmd.Context(), http.MethodDelete, "/v1/connections/"+url.PathEscape(args[0]), nil, nil); err != nil {
				return handled(err)
			}
			printKV(cmd, "deleted", args[0])
			return nil
		},
	})
	return cmd
}

type serverInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Apps      []string  `json:"apps"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"createdAt"`
}

func serversCmd(client clientFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "servers",
		Short: "Manage MCP servers",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List your servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := client(cmd)
			var srvs []serverInfo
			if err := c.do(cmd.Context(), http.MethodGet, "/v1/servers", nil, &srvs); err != nil {
				return handled(err)
			}
			rows := make([]table.Row, 0, len(srvs))
			for _, s := range srvs {
				rows = append(rows, table.Row{s.ID, s.Name, strings.Join(s.Apps, ", "), s.URL})
			}
			c.table(table.Row{"ID", "Name", "Apps", "URL"}, rows)
			return nil
		},
	})

	var apps []string
	create := &cobra.Command{
		Use:   "create NAME",
		Short: "Register a server serving the given apps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(apps) == 0 {
				return fmt.Errorf("at least one --app is required")
			}
			c := client(cmd)
			var srv serverInfo
			body := map[string]any{"name": args[0], "apps": apps}
			if err := c.do(cmd.Context(), http.MethodPost, "/v1/servers", body, &srv); err != nil {
				return handled(err)
			}
			printKV(cmd, "id", srv.ID)
			printKV(cmd, "apps", strings.Join(srv.Apps, ", "))
			printKV(cmd, "url", srv.URL)
			return nil
		},
	}
	create.Flags().StringSliceVar(&apps, "app", nil, "app to serve (repeatable)")
	cmd.AddCommand(create)

	cmd.AddCommand(&cobra.Command{
		Use:   "delete ID",
		Short: "Delete a server and revoke its URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client(cmd)
			if err := c.do(cmd.Context(), http.MethodDelete, "/v1/servers/"+url.PathEscape(args[0]), nil, nil); err != nil {
				return handled(err)
			}
			printKV(cmd, "deleted", args[0])
			return nil
		},
	})
	return cmd
}

func runsCmd(client clientFunc) *cobra.Command {
	var (
		serverID, app, status, owner string
		limit                        int
	)
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded tool runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if serverID != "" {
				q.Set("server_id", serverID)
			}
			if app != "" {
				q.Set("app", app)
			}
			if status != "" {
				q.Set("status", strings.ToUpper(status))
			}
			if owner != "" {
				q.Set("owner", owner)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			path := "/v1/runs"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}

			c := client(cmd)
			var runs []struct {
				ID        string    `json:"id"`
				AppID     string    `json:"appId"`
				ToolName  string    `json:"toolName"`
				OwnerID   string    `json:"ownerId"`
				Status    string    `json:"status"`
				CreatedAt time.Time `json:"createdAt"`
			}
			if err := c.do(cmd.Context(), http.MethodGet, path, nil, &runs); err != nil {
				return handled(err)
			}
			rows := make([]table.Row, 0, len(runs))
			for _, r := range runs {
				rows = append(rows, table.Row{r.ID, r.AppID, r.ToolName, r.OwnerID, colorStatus(r.Status), r.CreatedAt.Local().Format(time.DateTime)})
			}
			c.table(table.Row{"ID", "App", "Tool", "Owner", "Status", "Created"}, rows)
			return nil
		},
	}
	cmd.Flags().StringVar(&serverID, "server", "", "filter by server id")
	cmd.Flags().StringVar(&app, "app", "", "filter by app")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending, success, failed)")
	cmd.Flags().StringVar(&owner, "owner", "", "filter by owner (admins only)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum rows (default 100)")
	return cmd
}

func colorStatus(s string) string {
	switch s {
	case "SUCCESS":
		return color.GreenString(s)
	case "FAILED":
		return color.RedString(s)
	default:
		return color.YellowString(s)
	}
}
