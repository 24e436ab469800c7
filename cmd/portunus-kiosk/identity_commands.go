package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/BrandonDHaskell/Portunus/kiosk/internal/portunus/service"
	"github.com/BrandonDHaskell/Portunus/kiosk/internal/portunus/types"
)

func newIdentityCommand(ctx *commandContext) *cobra.Command {
	identityCmd := &cobra.Command{
		Use:     "identity",
		Aliases: []string{"identities"},
		Short:   "Manage enrolled identities",
	}

	identityCmd.AddCommand(newIdentityListCommand(ctx))
	identityCmd.AddCommand(newIdentityAddCommand(ctx))
	identityCmd.AddCommand(newIdentityUpdateCommand(ctx))
	identityCmd.AddCommand(newIdentityRemoveCommand(ctx))
	identityCmd.AddCommand(newIdentityCredentialCommand(ctx))
	identityCmd.AddCommand(newIdentityCaptureCommand(ctx))

	return identityCmd
}

func newIdentityListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List enrolled identities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(c *apiClient) error {
				ids, err := c.ListIdentities(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(ids) == 0 {
					fmt.Fprintln(out, "No identities enrolled")
					return nil
				}
				fmt.Fprintln(out, renderIdentities(ids))
				return nil
			})
		},
	}
}

func newIdentityAddCommand(ctx *commandContext) *cobra.Command {
	var details string
	var credential string
	var embedding []float64

	cmd := &cobra.Command{
		Use:   "add NAME",
		Short: "Enroll a person from the camera (or from --embedding)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := enrollBody{Name: args[0], Details: details, Embedding: embedding}
			if cmd.Flags().Changed("credential") {
				body.Credential = &credential
			}
			return ctx.withClient(func(c *apiClient) error {
				var id types.Identity
				enroll := func(runCtx context.Context) error {
					var err error
					id, err = c.Enroll(runCtx, body)
					return err
				}
				var err error
				if len(embedding) == 0 {
					err = withCamera(cmd.Context(), c, enroll)
				} else {
					err = enroll(cmd.Context())
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Enrolled %s as identity %d\n", id.Name, id.ID)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&details, "details", "", "Free-form notes")
	cmd.Flags().StringVar(&credential, "credential", "", "Card number to bind")
	cmd.Flags().Float64SliceVar(&embedding, "embedding", nil, "Use this embedding instead of capturing a frame")
	return cmd
}

func newIdentityUpdateCommand(ctx *commandContext) *cobra.Command {
	var name, details, credential string

	cmd := &cobra.Command{
		Use:   "update ID",
		Short: "Change an identity's name, details or card",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			var body updateBody
			flags := cmd.Flags()
			if flags.Changed("name") {
				body.Name = &name
			}
			if flags.Changed("details") {
				body.Details = &details
			}
			if flags.Changed("credential") {
				body.Credential = &credential
			}
			if body.Name == nil && body.Details == nil && body.Credential == nil {
				return fmt.Errorf("nothing to update; pass --name, --details or --credential")
			}
			return ctx.withClient(func(c *apiClient) error {
				got, err := c.UpdateIdentity(cmd.Context(), id, body)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderIdentities([]types.Identity{got}))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "New display name")
	cmd.Flags().StringVar(&details, "details", "", "New notes")
	cmd.Flags().StringVar(&credential, "credential", "", "Card number (empty unbinds)")
	return cmd
}

func newIdentityRemoveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:     "remove ID",
		Aliases: []string{"rm"},
		Short:   "Delete an identity and its admission events",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return ctx.withClient(func(c *apiClient) error {
				if err := c.DeleteIdentity(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Identity %d removed\n", id)
				return nil
			})
		},
	}
}

func newIdentityCredentialCommand(ctx *commandContext) *cobra.Command {
	var unbind bool

	cmd := &cobra.Command{
		Use:   "credential ID [CODE]",
		Short: "Bind a card number to an identity, or --clear it",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			code := ""
			switch {
			case unbind && len(args) == 2:
				return fmt.Errorf("--clear takes no CODE")
			case !unbind && len(args) == 1:
				return fmt.Errorf("CODE is required unless --clear is set")
			case !unbind:
				code = args[1]
			}
			return ctx.withClient(func(c *apiClient) error {
				got, err := c.UpdateIdentity(cmd.Context(), id, updateBody{Credential: &code})
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if got.Credential == nil {
					fmt.Fprintf(out, "Identity %d has no card bound\n", id)
					return nil
				}
				fmt.Fprintf(out, "Identity %d bound to card %s\n", id, *got.Credential)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&unbind, "clear", false, "Unbind the current card")
	return cmd
}

func newIdentityCaptureCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "capture ID",
		Short: "Replace an identity's face from a fresh camera frame",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return ctx.withClient(func(c *apiClient) error {
				err := withCamera(cmd.Context(), c, func(runCtx context.Context) error {
					_, err := c.Recapture(runCtx, id)
					return err
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Identity %d recaptured\n", id)
				return nil
			})
		},
	}
}

// withCamera runs fn inside an administrative pause so the kiosk releases
// the camera. A pause that was already in place is left alone.
func withCamera(ctx context.Context, c *apiClient, fn func(context.Context) error) error {
	st, err := c.Status(ctx)
	if err != nil {
		return err
	}
	if st.Admission.State == service.StateAdministrativePause {
		return fn(ctx)
	}
	if _, err := c.Pause(ctx, "enrollment"); err != nil {
		return fmt.Errorf("pause for enrollment: %w", err)
	}
	runErr := fn(ctx)
	if _, err := c.Resume(context.WithoutCancel(ctx)); err != nil && runErr == nil {
		return fmt.Errorf("resume after enrollment: %w", err)
	}
	return runErr
}

func renderIdentities(ids []types.Identity) string {
	rows := make([][]string, 0, len(ids))
	for _, id := range ids {
		card := "-"
		if id.Credential != nil {
			card = *id.Credential
		}
		rows = append(rows, []string{
			strconv.FormatInt(id.ID, 10),
			id.Name,
			card,
			id.Details,
			id.CreatedAt.Local().Format("2006-01-02 15:04"),
		})
	}
	return renderTable(
		[]string{"ID", "Name", "Card", "Details", "Enrolled"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignLeft},
	)
}
