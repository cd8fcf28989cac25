package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"userportal/services/nav"
	"userportal/services/portal"
	"userportal/services/profile"
)

func newProfileCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Dashboard operations on your profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newProfileShowCommand())
	cmd.AddCommand(newProfileEditCommand())
	cmd.AddCommand(newProfileAvatarCommand())
	cmd.AddCommand(newProfileDeleteCommand())
	return cmd
}

func newProfileShowCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print your profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context(), cmd.OutOrStdout(), nav.Dashboard)
			if err != nil {
				return err
			}
			defer rt.Close()

			p, err := rt.app.ShowProfile(cmd.Context())
			if err != nil {
				return shownIfProfile(err)
			}
			if output == "text" {
				printProfile(cmd, p)
				return nil
			}
			return writeOutput(cmd.OutOrStdout(), output, p)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "text", "Output format: text, json or yaml")
	return cmd
}

func newProfileEditCommand() *cobra.Command {
	var changes profile.Profile

	cmd := &cobra.Command{
		Use:   "edit",
		Short: "Update profile fields",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context(), cmd.OutOrStdout(), nav.Dashboard)
			if err != nil {
				return err
			}
			defer rt.Close()

			p, err := rt.app.ShowProfile(cmd.Context())
			if err != nil {
				return shownIfProfile(err)
			}

			flags := cmd.Flags()
			if flags.Changed("fullname") {
				p.FullName = changes.FullName
			}
			if flags.Changed("email") {
				p.Email = changes.Email
			}
			if flags.Changed("phone") {
				p.Phone = changes.Phone
			}
			if flags.Changed("bio") {
				p.Bio = changes.Bio
			}

			saved, err := rt.app.EditProfile(cmd.Context(), p)
			if err != nil {
				return shownIfProfile(err)
			}
			printProfile(cmd, saved)
			return nil
		},
	}

	cmd.Flags().StringVar(&changes.FullName, "fullname", "", "Full name")
	cmd.Flags().StringVar(&changes.Email, "email", "", "Contact email")
	cmd.Flags().StringVar(&changes.Phone, "phone", "", "Phone number")
	cmd.Flags().StringVar(&changes.Bio, "bio", "", "Short biography")
	return cmd
}

func newProfileAvatarCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "avatar FILE",
		Short: "Upload a profile picture",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open avatar: %w", err)
			}
			defer f.Close()

			rt, err := openRuntime(cmd.Context(), cmd.OutOrStdout(), nav.Dashboard)
			if err != nil {
				return err
			}
			defer rt.Close()

			url, err := rt.app.UploadAvatar(cmd.Context(), filepath.Base(args[0]), f)
			if err != nil {
				return shownIfProfile(err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), url)
			return nil
		},
	}
}

func newProfileDeleteCommand() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete your account and sign out",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("refusing to delete the account without --yes")
			}
			rt, err := openRuntime(cmd.Context(), cmd.OutOrStdout(), nav.Dashboard)
			if err != nil {
				return err
			}
			defer rt.Close()

			return shownIfProfile(rt.app.DeleteAccount(cmd.Context()))
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm account deletion")
	return cmd
}

func printProfile(cmd *cobra.Command, p profile.Profile) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Name:   %s\n", p.FullName)
	fmt.Fprintf(out, "Email:  %s\n", p.Email)
	fmt.Fprintf(out, "Phone:  %s\n", p.Phone)
	fmt.Fprintf(out, "Bio:    %s\n", p.Bio)
	fmt.Fprintf(out, "Avatar: %s\n", p.Avatar)
}

// shownIfProfile marks errors the dashboard already reported to the notifier. Guard refusals are
// not reported there and are printed by main.
func shownIfProfile(err error) error {
	if err == nil || errors.Is(err, portal.ErrSignedOut) || errors.Is(err, portal.ErrUnauthorized) {
		return err
	}
	return shown(err)
}
