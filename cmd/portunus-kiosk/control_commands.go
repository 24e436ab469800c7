package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/BrandonDHaskell/Portunus/kiosk/internal/portunus/service"
	"github.com/BrandonDHaskell/Portunus/kiosk/internal/portunus/types"
)

func newControlCommands(ctx *commandContext) []*cobra.Command {
	return []*cobra.Command{
		newStatusCommand(ctx),
		newPauseCommand(ctx),
		newResumeCommand(ctx),
		newReloadCommand(ctx),
		newAdmitCommand(ctx),
		newScanCommand(ctx),
	}
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show admission state and delivery backlog",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(c *apiClient) error {
				st, err := c.Status(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Kiosk: %s\n", st.KioskID)
				if st.SessionID != "" {
					fmt.Fprintf(out, "Session: %s\n", st.SessionID)
				}
				printAdmission(out, st.Admission)
				fmt.Fprintf(out, "Events: %d pending, %d sent, %d failed\n",
					st.Events[types.StatusPending], st.Events[types.StatusSent], st.Events[types.StatusFailed])
				return nil
			})
		},
	}
}

func newPauseCommand(ctx *commandContext) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "pause",
		Short: "Enter administrative pause and release the camera",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(c *apiClient) error {
				st, err := c.Pause(cmd.Context(), reason)
				if err != nil {
					return err
				}
				printAdmission(cmd.OutOrStdout(), st)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded with the pause")
	return cmd
}

func newResumeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Leave administrative pause",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(c *apiClient) error {
				st, err := c.Resume(cmd.Context())
				if err != nil {
					return err
				}
				printAdmission(cmd.OutOrStdout(), st)
				return nil
			})
		},
	}
}

func newReloadCommand(ctx *commandContext) *cobra.Command {
	var gallery bool
	cmd := &cobra.Command{
		Use:   "reload",
		Short: "Re-read the configuration file (or the gallery with --gallery)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(c *apiClient) error {
				out := cmd.OutOrStdout()
				if gallery {
					n, err := c.ReloadGallery(cmd.Context())
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "Gallery reloaded: %d identities\n", n)
					return nil
				}
				if err := c.ReloadConfig(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(out, "Configuration reloaded")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&gallery, "gallery", false, "Reload the face gallery from the database instead")
	return cmd
}

func newAdmitCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "admit IDENTITY_ID",
		Short: "Admit an enrolled identity manually",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return ctx.withClient(func(c *apiClient) error {
				res, err := c.Admit(cmd.Context(), id)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if !res.Recorded {
					fmt.Fprintf(out, "Identity %d admitted; event could not be recorded\n", id)
					return nil
				}
				fmt.Fprintf(out, "Identity %d admitted (event %d)\n", id, res.EventID)
				return nil
			})
		},
	}
}

func newScanCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "scan CODE",
		Short: "Submit a card number as if it had been read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code := strings.TrimSpace(args[0])
			return ctx.withClient(func(c *apiClient) error {
				if err := c.Scan(cmd.Context(), code); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Credential %s submitted\n", code)
				return nil
			})
		},
	}
}

func printAdmission(out io.Writer, st service.Status) {
	fmt.Fprintf(out, "State: %s\n", st.State)
	if st.PauseReason != "" {
		fmt.Fprintf(out, "Pause reason: %s\n", st.PauseReason)
	}
	if st.PauseUntil != nil {
		fmt.Fprintf(out, "Pause until: %s\n", st.PauseUntil.Local().Format(time.TimeOnly))
	}
	if st.LastEvent != nil {
		fmt.Fprintf(out, "Last event: %s %s\n", st.LastEvent.Kind, st.LastEvent.Message)
	}
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}
