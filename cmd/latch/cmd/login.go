package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var loginCmd = &cobra.Command{
	Use:   "login <username>",
	Short: "Log in and print the established session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := buildStack()
		if err != nil {
			return err
		}
		defer s.jar.Close()

		fmt.Fprint(os.Stderr, "Password: ")
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return fmt.Errorf("reading password: %w", err)
		}
		// Keep the password off the regular heap while the handshake runs.
		password := memguard.NewBufferFromBytes(raw)
		defer password.Destroy()

		info, err := s.flow.Login(cmd.Context(), args[0], password.String())
		if err != nil {
			return err
		}

		if info.SecondFactorNeeded {
			fmt.Fprint(os.Stderr, "Second factor code: ")
			var code string
			if _, err := fmt.Scanln(&code); err != nil {
				return fmt.Errorf("reading second factor code: %w", err)
			}
			scopes, err := s.flow.SubmitSecondFactor(cmd.Context(), info.Session.UID, code)
			if err != nil {
				return err
			}
			info.Session.Scopes = scopes
		}

		fmt.Printf("session UID: %s\n", info.Session.UID)
		fmt.Printf("user ID:     %s\n", info.Session.UserID)
		fmt.Printf("scopes:      %s\n", strings.Join(info.Session.Scopes, " "))
		if info.TwoPasswordMode {
			fmt.Println("note: two-password mode, organization unlock still required")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(loginCmd)
}
