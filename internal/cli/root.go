// Package cli implements trackctl, the operator tool for checking Conversions
// API credentials and reproducing hashing and validation offline.
package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command.
func NewRootCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trackctl",
		Short: "trackctl - landing page tracking tools",
		Long: `trackctl checks Facebook Conversions API credentials and reproduces
the hashing, external id and checkout validation rules of the landing API.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.SetVersionTemplate("trackctl version {{.Version}}\n")

	cmd.PersistentFlags().Bool("json", false, "output in JSON format")

	cmd.AddCommand(
		NewTestTokenCmd(),
		NewHashCmd(),
		NewExternalIDCmd(),
		NewValidateCheckoutCmd(),
		NewPublicIPCmd(),
	)
	return cmd
}

func jsonOutput(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
