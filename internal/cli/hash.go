package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"example.com/landingtrack/internal/domain"
	"example.com/landingtrack/internal/identity"
	"example.com/landingtrack/internal/pii"
)

var hashFields = map[string]string{
	"em": pii.Email, "email": pii.Email,
	"ph": pii.Phone, "phone": pii.Phone,
	"fn": pii.FirstName, "first_name": pii.FirstName,
	"ln": pii.LastName, "last_name": pii.LastName,
	"ct": pii.City, "city": pii.City,
	"st": pii.State, "state": pii.State,
	"zp": pii.Zip, "zip": pii.Zip,
	"country": pii.Country,
}

type hashOutput struct {
	Field      string `json:"field"`
	Normalized string `json:"normalized"`
	Hash       string `json:"hash"`
}

// NewHashCmd creates the hash command.
func NewHashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash <field> <value>",
		Short: "Normalize and hash a user data value the way the relay does",
		Long: `Fields: em, ph, fn, ln, ct, st, zp, country (or their long names).
Values that already are SHA-256 digests are printed unchanged.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			field, ok := hashFields[strings.ToLower(args[0])]
			if !ok {
				return fmt.Errorf("unknown field %q", args[0])
			}
			out := hashOutput{
				Field:      field,
				Normalized: pii.Normalize(field, args[1]),
				Hash:       pii.Hash(field, args[1]),
			}
			if jsonOutput(cmd) {
				return writeJSON(cmd, out)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", out.Normalized, out.Hash)
			return nil
		},
	}
}

// NewExternalIDCmd creates the external-id command.
func NewExternalIDCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "external-id",
		Short: "Compute the external id derived from personal data",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			email, _ := cmd.Flags().GetString("email")
			phone, _ := cmd.Flags().GetString("phone")
			name, _ := cmd.Flags().GetString("name")

			ud := domain.UserData{Email: email, Phone: phone}
			ud.FirstName, ud.LastName = domain.SplitName(name)
			id, ok := identity.ExternalIDFor(ud)
			if !ok {
				return fmt.Errorf("one of --email, --phone or --name is required")
			}
			if jsonOutput(cmd) {
				return writeJSON(cmd, map[string]string{"external_id": id})
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().String("email", "", "email address")
	cmd.Flags().String("phone", "", "phone number")
	cmd.Flags().String("name", "", "full name")
	return cmd
}
