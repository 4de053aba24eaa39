package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/okeefe/latch/fork"
)

var pullCmd = &cobra.Command{
	Use:   "pull <code> <selector>",
	Short: "Pull a forked session using a scanned migration code",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		code, ok := fork.DecodeEDMCode(args[0])
		if !ok {
			return fmt.Errorf("malformed migration code")
		}
		s, err := buildStack()
		if err != nil {
			return err
		}
		defer s.jar.Close()

		puller := fork.NewPuller(fork.NewAPI(s.api), fork.WithPullerLogger(s.logger))
		for state := range puller.Pull(cmd.Context(), code.EncryptionKey, args[1]) {
			switch st := state.(type) {
			case fork.Loading:
				fmt.Println("polling...")
			case fork.Awaiting:
				fmt.Println("waiting for the source device to confirm")
			case fork.NoConnection:
				fmt.Printf("no connection, retrying: %v\n", st.Err)
			case fork.Success:
				fmt.Printf("forked session UID: %s\n", st.Session.UID)
				fmt.Printf("passphrase:         %s\n", st.Passphrase)
				return nil
			case fork.Unrecoverable:
				return fmt.Errorf("pull failed: %w", st.Err)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pullCmd)
}
