package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/okeefe/latch/fork"
	"github.com/okeefe/latch/session"
)

var forkCodeCmd = &cobra.Command{
	Use:   "fork-code <uid> <access-token> <refresh-token>",
	Short: "Render rotating migration codes for an existing session",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := buildStack()
		if err != nil {
			return err
		}
		defer s.jar.Close()

		uid := args[0]
		s.sessions.Put(session.Session{
			UID:          uid,
			AccessToken:  args[1],
			RefreshToken: args[2],
		})

		gen := fork.NewGenerator(fork.NewAPI(s.api), uid,
			fork.WithGeneratorLogger(s.logger))
		fmt.Println("scan a code on the target device; a fresh one appears every rotation (Ctrl-C to stop)")
		for pair := range gen.Codes(cmd.Context()) {
			fmt.Printf("code:     %s\nselector: %s\n\n", pair.Code, pair.Selector)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(forkCodeCmd)
}
