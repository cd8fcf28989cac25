package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	"userportal/services/auth"
	"userportal/services/forms"
	"userportal/services/nav"
	"userportal/services/session"
)

const passwordEnv = "PORTAL_PASSWORD"

func passwordOrEnv(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if v := os.Getenv(passwordEnv); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("password is required (--password or %s)", passwordEnv)
}

func newLoginCommand() *cobra.Command {
	var email, password string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with email and password",
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := passwordOrEnv(password)
			if err != nil {
				return err
			}
			rt, err := openRuntime(cmd.Context(), cmd.OutOrStdout(), nav.Login)
			if err != nil {
				return err
			}
			defer rt.Close()

			if !rt.app.OpenAuthView(auth.ModeLogin) {
				fmt.Fprintf(cmd.OutOrStdout(), "Already signed in as %s\n", rt.store.Current().Email)
				return nil
			}

			form := forms.New(forms.LoginFields())
			form.HandleChange(forms.Change{Name: "email", Value: email})
			form.HandleChange(forms.Change{Name: "password", Value: pw})
			_, err = rt.app.SubmitAuth(cmd.Context(), auth.ModeLogin, form)
			return shown(err)
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Account email")
	cmd.Flags().StringVar(&password, "password", "", "Account password (defaults to $"+passwordEnv+")")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newRegisterCommand() *cobra.Command {
	var name, email, password, confirm string

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account and sign in",
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := passwordOrEnv(password)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("confirm-password") {
				confirm = pw
			}
			rt, err := openRuntime(cmd.Context(), cmd.OutOrStdout(), nav.Register)
			if err != nil {
				return err
			}
			defer rt.Close()

			if !rt.app.OpenAuthView(auth.ModeRegister) {
				fmt.Fprintf(cmd.OutOrStdout(), "Already signed in as %s\n", rt.store.Current().Email)
				return nil
			}

			form := forms.New(forms.RegisterFields())
			form.HandleChange(forms.Change{Name: "name", Value: name})
			form.HandleChange(forms.Change{Name: "email", Value: email})
			form.HandleChange(forms.Change{Name: "password", Value: pw})
			form.HandleChange(forms.Change{Name: "confirmPassword", Value: confirm})
			_, err = rt.app.SubmitAuth(cmd.Context(), auth.ModeRegister, form)
			return shown(err)
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Display name")
	cmd.Flags().StringVar(&email, "email", "", "Account email")
	cmd.Flags().StringVar(&password, "password", "", "Account password (defaults to $"+passwordEnv+")")
	cmd.Flags().StringVar(&confirm, "confirm-password", "", "Password confirmation (defaults to the password)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and forget the stored token",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context(), cmd.OutOrStdout(), nav.Dashboard)
			if err != nil {
				return err
			}
			defer rt.Close()

			rt.app.Logout()
			fmt.Fprintln(cmd.OutOrStdout(), "Signed out")
			return nil
		},
	}
}

type whoami struct {
	session.Session `yaml:",inline"`
	Subject         string     `json:"token_subject,omitempty" yaml:"token_subject,omitempty"`
	Expires         *time.Time `json:"token_expires,omitempty" yaml:"token_expires,omitempty"`
}

func newWhoamiCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context(), cmd.OutOrStdout(), nav.Dashboard)
			if err != nil {
				return err
			}
			defer rt.Close()

			current := rt.store.Current()
			if !current.Auth {
				return errors.New("not signed in")
			}

			info := whoami{Session: current}
			if token := rt.store.Token(); token != "" {
				info.Subject, info.Expires = tokenClaims(token)
			}

			if output == "text" {
				fmt.Fprintf(cmd.OutOrStdout(), "%s <%s> role=%s id=%s\n", current.Name, current.Email, current.Role, current.ID)
				return nil
			}
			return writeOutput(cmd.OutOrStdout(), output, info)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "text", "Output format: text, json or yaml")
	return cmd
}

// tokenClaims reads the subject and expiry without verifying the signature. The client never
// holds the signing key; the values are informational.
func tokenClaims(token string) (string, *time.Time) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return "", nil
	}
	if claims.ExpiresAt == nil {
		return claims.Subject, nil
	}
	exp := claims.ExpiresAt.UTC()
	return claims.Subject, &exp
}
