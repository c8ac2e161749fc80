package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bookverse/chat/internal/api"
)

var (
	flagUsername string
	flagEmail    string
	flagPassword string
)

func init() {
	signupCmd.Flags().StringVar(&flagUsername, "username", "", "display name")
	for _, c := range []*cobra.Command{signupCmd, loginCmd} {
		c.Flags().StringVar(&flagEmail, "email", "", "account email")
		c.Flags().StringVar(&flagPassword, "password", "", "account password")
		_ = c.MarkFlagRequired("email")
		_ = c.MarkFlagRequired("password")
	}
	_ = signupCmd.MarkFlagRequired("username")

	rootCmd.AddCommand(signupCmd, loginCmd, logoutCmd, usersCmd)
}

var signupCmd = &cobra.Command{
	Use:   "signup",
	Short: "Create an account and sign in",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := api.NewClient(cfg.APIBaseURL, nil, cfg.HTTPTimeout).SignUp(cmd.Context(), flagUsername, flagEmail, flagPassword)
		if err != nil {
			return err
		}
		if err := saveSession(res); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "signed up as %s (id %d)\n", res.User.Username, res.User.ID)
		return nil
	},
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in and remember the token",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := api.NewClient(cfg.APIBaseURL, nil, cfg.HTTPTimeout).SignIn(cmd.Context(), flagEmail, flagPassword)
		if err != nil {
			return err
		}
		if err := saveSession(res); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "signed in as %s (id %d)\n", res.User.Username, res.User.ID)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Revoke the token and forget it",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, err := apiClient()
		if err == errSignedOut {
			return nil
		}
		if err != nil {
			return err
		}
		if err := c.SignOut(cmd.Context()); err != nil {
			return err
		}
		return clearSession()
	},
}

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "List people you can start a conversation with",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, err := apiClient()
		if err != nil {
			return err
		}
		users, err := c.ListUsers(cmd.Context())
		if err != nil {
			return err
		}
		for _, u := range users {
			fmt.Fprintf(cmd.OutOrStdout(), "%6d  %s\n", u.ID, u.Username)
		}
		return nil
	},
}
