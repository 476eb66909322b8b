package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mossy-p/webrtc-matchmaker/config"
	"github.com/mossy-p/webrtc-matchmaker/internal/identity"
)

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Print the user id, creating and saving one if needed",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(flags)
		if err != nil {
			return err
		}
		if cfg.UserID != "" {
			if err := identity.Validate(cfg.UserID); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), cfg.UserID)
			return nil
		}
		id, created, err := identity.LoadOrCreate(cfg.IdentityFile)
		if err != nil {
			return err
		}
		if created {
			fmt.Fprintf(cmd.OutOrStdout(), "%s (new, saved to %s)\n", id, cfg.IdentityFile)
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(whoamiCmd)
}
