package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/voicehub/smarthome-oauth/server"
)

func newClientCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Manage registered OAuth clients",
	}
	cmd.AddCommand(
		newClientAddCmd(opts),
		newClientListCmd(opts),
		newClientDeleteCmd(opts),
	)
	return cmd
}

func newClientAddCmd(opts *rootOptions) *cobra.Command {
	var (
		reg    server.ClientRegistration
		scopes string
		grants string
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a client and print its secret",
		Long: "Register a client. The secret is printed once and only its bcrypt hash\n" +
			"is stored. Omit --id or --secret to generate them.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			srv, closeFn, err := openServer(cmd.Context(), opts.configPath, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer closeFn()

			reg.Scopes = splitList(scopes)
			reg.GrantTypes = splitList(grants)
			reg.Source = "cli"

			client, secret, err := srv.RegisterClient(cmd.Context(), reg)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "client_id:     %s\n", client.ClientID)
			fmt.Fprintf(out, "client_secret: %s\n", secret)
			fmt.Fprintf(out, "redirect_uri:  %s\n", client.RedirectURI)
			fmt.Fprintf(out, "scopes:        %s\n", strings.Join(client.Scopes, " "))
			fmt.Fprintln(cmd.ErrOrStderr(), "Store the secret now, it cannot be shown again.")
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&reg.ClientID, "id", "", "client id (generated when empty)")
	f.StringVar(&reg.ClientSecret, "secret", "", "client secret (generated when empty)")
	f.StringVar(&reg.Name, "name", "", "display name shown on the login page")
	f.StringVar(&reg.RedirectURI, "redirect-uri", "", "registered redirect URI")
	f.StringVar(&scopes, "scopes", "", "comma separated scopes (default device:control,device:read)")
	f.StringVar(&grants, "grant-types", "", "comma separated grant types (default authorization_code,refresh_token)")
	f.StringVar(&reg.TokenFormat, "token-format", "signed", "access token format: signed or opaque")
	f.DurationVar(&reg.AccessTokenTTL, "access-token-ttl", 0, "access token lifetime (default 1h)")
	f.DurationVar(&reg.RefreshTokenTTL, "refresh-token-ttl", 0, "refresh token lifetime (default 720h)")
	f.BoolVar(&reg.AutoApprove, "auto-approve", false, "skip the consent page")
	_ = cmd.MarkFlagRequired("redirect-uri")

	return cmd
}

type clientView struct {
	ClientID    string    `json:"client_id"`
	Name        string    `json:"name,omitempty"`
	RedirectURI string    `json:"redirect_uri"`
	Scopes      []string  `json:"scopes"`
	GrantTypes  []string  `json:"grant_types"`
	TokenFormat string    `json:"token_format"`
	AutoApprove bool      `json:"auto_approve"`
	CreatedAt   time.Time `json:"created_at"`
}

func newClientListCmd(opts *rootOptions) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered clients",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			srv, closeFn, err := openServer(cmd.Context(), opts.configPath, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer closeFn()

			clients, err := srv.ListClients(cmd.Context())
			if err != nil {
				return err
			}

			views := make([]clientView, 0, len(clients))
			for _, c := range clients {
				views = append(views, clientView{
					ClientID:    c.ClientID,
					Name:        c.Name,
					RedirectURI: c.RedirectURI,
					Scopes:      c.Scopes,
					GrantTypes:  c.GrantTypes,
					TokenFormat: c.TokenFormat,
					AutoApprove: c.AutoApprove,
					CreatedAt:   c.CreatedAt,
				})
			}

			switch output {
			case "json":
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(views)
			case "text":
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "CLIENT ID\tNAME\tREDIRECT URI\tSCOPES\tFORMAT")
				for _, v := range views {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
						v.ClientID, v.Name, v.RedirectURI, strings.Join(v.Scopes, " "), v.TokenFormat)
				}
				return tw.Flush()
			default:
				return fmt.Errorf("unknown output format %q", output)
			}
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format: text or json")
	return cmd
}

func newClientDeleteCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete CLIENT_ID",
		Short: "Delete a client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, closeFn, err := openServer(cmd.Context(), opts.configPath, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer closeFn()

			if err := srv.DeleteClient(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
