package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/BrandonDHaskell/Portunus/kiosk/internal/portunus/types"
)

func newEventsCommand(ctx *commandContext) *cobra.Command {
	eventsCmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect and administer admission events",
	}

	eventsCmd.AddCommand(newEventsListCommand(ctx))
	eventsCmd.AddCommand(newEventTransitionCommand(ctx, "fail", "Mark a pending event failed so delivery skips it"))
	eventsCmd.AddCommand(newEventTransitionCommand(ctx, "retry", "Return a failed event to the delivery queue"))

	return eventsCmd
}

func newEventsListCommand(ctx *commandContext) *cobra.Command {
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent admission events",
		RunE: func(cmd *cobra.Command, args []string) error {
			if status != "" && !types.Status(status).Valid() {
				return fmt.Errorf("invalid status %q (want pending, sent or failed)", status)
			}
			return ctx.withClient(func(c *apiClient) error {
				evs, err := c.ListEvents(cmd.Context(), status, limit)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(evs) == 0 {
					fmt.Fprintln(out, "No events")
					return nil
				}
				fmt.Fprintln(out, renderEvents(evs))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Only events in this state (pending, sent, failed)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of events")
	return cmd
}

func newEventTransitionCommand(ctx *commandContext, action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return ctx.withClient(func(c *apiClient) error {
				ev, err := c.TransitionEvent(cmd.Context(), id, action)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Event %d is now %s\n", ev.ID, ev.Status)
				return nil
			})
		},
	}
}

func renderEvents(evs []types.AdmissionEvent) string {
	rows := make([][]string, 0, len(evs))
	for _, ev := range evs {
		who := ev.IdentityName
		if who == "" {
			who = "#" + strconv.FormatInt(ev.IdentityID, 10)
		}
		rows = append(rows, []string{
			strconv.FormatInt(ev.ID, 10),
			ev.OccurredAt.Local().Format("2006-01-02 15:04:05"),
			who,
			string(ev.Method),
			string(ev.Status),
			strconv.Itoa(ev.Attempts),
			ev.LastError,
		})
	}
	return renderTable(
		[]string{"ID", "Occurred", "Identity", "Method", "Status", "Attempts", "Last Error"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
	)
}
