package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"example.com/landingtrack/internal/capi"
	"example.com/landingtrack/internal/domain"
)

type checkoutOutput struct {
	Valid    bool                 `json:"valid"`
	Errors   []domain.FieldError  `json:"errors,omitempty"`
	UserData *capi.HashedUserData `json:"user_data,omitempty"`
}

// NewValidateCheckoutCmd creates the validate-checkout command.
func NewValidateCheckoutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate-checkout",
		Short: "Validate checkout form data and show the hashed user data",
		Long: `Validate checkout form data from flags, or from a JSON object on stdin
with --stdin. Exits non-zero when a field is invalid.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var form domain.CheckoutForm
			fromStdin, _ := cmd.Flags().GetBool("stdin")
			if fromStdin {
				if err := json.NewDecoder(cmd.InOrStdin()).Decode(&form); err != nil {
					return fmt.Errorf("decode form: %w", err)
				}
			} else {
				form.Name, _ = cmd.Flags().GetString("name")
				form.Email, _ = cmd.Flags().GetString("email")
				form.Phone, _ = cmd.Flags().GetString("phone")
				form.CEP, _ = cmd.Flags().GetString("cep")
				form.City, _ = cmd.Flags().GetString("city")
				form.State, _ = cmd.Flags().GetString("state")
			}
			country, _ := cmd.Flags().GetString("country")

			out := checkoutOutput{Errors: domain.ValidateCheckout(&form)}
			out.Valid = len(out.Errors) == 0
			if out.Valid {
				h := capi.HashUserData(form.UserData(country))
				out.UserData = &h
			}

			if jsonOutput(cmd) {
				if err := writeJSON(cmd, out); err != nil {
					return err
				}
			} else {
				w := cmd.OutOrStdout()
				for _, fe := range out.Errors {
					fmt.Fprintf(w, "%s: %s\n", fe.Field, fe.Msg)
				}
				if out.Valid {
					fmt.Fprintln(w, "valid")
					fmt.Fprintf(w, "em: %s\nph: %s\nfn: %s\nln: %s\n",
						out.UserData.Em, out.UserData.Ph, out.UserData.Fn, out.UserData.Ln)
				}
			}
			if !out.Valid {
				return fmt.Errorf("%w: %d invalid field(s)", domain.ErrValidation, len(out.Errors))
			}
			return nil
		},
	}
	cmd.Flags().Bool("stdin", false, "read the form as JSON from stdin")
	cmd.Flags().String("name", "", "full name")
	cmd.Flags().String("email", "", "email address")
	cmd.Flags().String("phone", "", "phone number")
	cmd.Flags().String("cep", "", "postal code")
	cmd.Flags().String("city", "", "city")
	cmd.Flags().String("state", "", "state")
	cmd.Flags().String("country", "br", "country code")
	return cmd
}
