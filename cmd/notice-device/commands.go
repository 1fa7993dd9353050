package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/jogardn/allergy-notices/internal/device"
	"github.com/jogardn/allergy-notices/internal/websocket"
	"github.com/jogardn/allergy-notices/internal/workflow"
	"github.com/jogardn/allergy-notices/pkg/models"
	"github.com/spf13/cobra"
)

// transition is a one-shot command acting on a single notice.
type transition func(ctx context.Context, s *device.Session, id string, args []string) (*models.Order, error)

func transitionCmd(use, short string, nargs int, run transition) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(nargs),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			o, err := run(cmd.Context(), a.session, args[0], args[1:])
			if o != nil {
				printOrder(cmd.OutOrStdout(), o)
			}
			return err
		},
	}
}

var chefID, chefName, reason string

func chef() models.Chef {
	return models.Chef{ID: chefID, Name: chefName}
}

func init() {
	rootCmd.AddCommand(watchCmd(), listCmd(), draftCmd(), submitCmd(), dismissCmd())

	rootCmd.AddCommand(transitionCmd("respond <id> <yes|no>", "Answer the kitchen's question", 2,
		func(ctx context.Context, s *device.Session, id string, args []string) (*models.Order, error) {
			return s.Respond(ctx, id, args[0])
		}))
	rootCmd.AddCommand(transitionCmd("rescind <id>", "Withdraw a notice", 1,
		func(ctx context.Context, s *device.Session, id string, _ []string) (*models.Order, error) {
			return s.Rescind(ctx, id)
		}))
	rootCmd.AddCommand(transitionCmd("approve <id>", "Approve and send to the kitchen", 1,
		func(ctx context.Context, s *device.Session, id string, _ []string) (*models.Order, error) {
			return s.Approve(ctx, id)
		}))
	rootCmd.AddCommand(transitionCmd("queue <id>", "Approve and hold for the kitchen", 1,
		func(ctx context.Context, s *device.Session, id string, _ []string) (*models.Order, error) {
			return s.Queue(ctx, id)
		}))
	rootCmd.AddCommand(transitionCmd("dispatch <id>", "Send a queued notice to the kitchen", 1,
		func(ctx context.Context, s *device.Session, id string, _ []string) (*models.Order, error) {
			return s.Dispatch(ctx, id)
		}))

	reset := transitionCmd("reset <id>", "Reopen an acknowledged or answered notice for the kitchen", 1,
		func(ctx context.Context, s *device.Session, id string, _ []string) (*models.Order, error) {
			return s.Reset(ctx, id, reason)
		})
	reset.Flags().StringVar(&reason, "reason", "", "why it is reopened")
	rootCmd.AddCommand(reset)

	// reject is the server's or the kitchen's depending on --role
	reject := transitionCmd("reject <id>", "Reject a notice", 1,
		func(ctx context.Context, s *device.Session, id string, _ []string) (*models.Order, error) {
			if s.Role() == models.ActorKitchen {
				return s.KitchenReject(ctx, id, chef(), reason)
			}
			return s.Reject(ctx, id, reason)
		})
	reject.Flags().StringVar(&reason, "reason", "", "reason shown to the diner")
	addChefFlags(reject)
	rootCmd.AddCommand(reject)

	ack := transitionCmd("ack <id>", "Acknowledge a notice in the kitchen", 1,
		func(ctx context.Context, s *device.Session, id string, _ []string) (*models.Order, error) {
			return s.Acknowledge(ctx, id, chef())
		})
	addChefFlags(ack)
	rootCmd.AddCommand(ack)

	ask := transitionCmd("ask <id> <question>", "Ask the diner a yes/no question", 2,
		func(ctx context.Context, s *device.Session, id string, args []string) (*models.Order, error) {
			return s.AskQuestion(ctx, id, chef(), args[0])
		})
	addChefFlags(ask)
	rootCmd.AddCommand(ask)

	var messageID string
	message := transitionCmd("message <id> <text>", "Send the diner a follow-up note", 2,
		func(ctx context.Context, s *device.Session, id string, args []string) (*models.Order, error) {
			return s.SendMessage(ctx, id, chef(), messageID, args[0])
		})
	message.Flags().StringVar(&messageID, "message-id", "", "reuse to retry a send without posting it twice")
	addChefFlags(message)
	rootCmd.AddCommand(message)
}

func addChefFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&chefID, "chef-id", "", "chef acting on the notice")
	cmd.Flags().StringVar(&chefName, "chef-name", "", "chef display name")
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stay connected and show updates as banners",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			channel := websocket.DefaultChannel
			if models.Actor(a.cfg.Role) == models.ActorDiner && a.cfg.UserID != "" {
				channel = "diner:" + a.cfg.UserID
			}
			ws := websocket.NewClient(websocket.ClientConfig{
				URL:          a.cfg.WebSocketURL,
				RestaurantID: a.cfg.RestaurantIDs[0],
				Channel:      channel,
			}, a.logger)
			a.session.SetPublisher(ws)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Watching %s as %s\n", strings.Join(a.cfg.RestaurantIDs, ", "), a.cfg.Role)

			var mu sync.Mutex
			last := ""
			show := func(b device.Board) {
				var sb strings.Builder
				printBoard(&sb, b)
				mu.Lock()
				defer mu.Unlock()
				// polls that change nothing visible stay quiet
				if sb.String() != last {
					last = sb.String()
					io.WriteString(out, last)
				}
			}
			unsubscribe := a.session.Subscribe(show)
			defer unsubscribe()
			show(a.session.Board())

			ws.Run(cmd.Context(), a.session.Handlers())
			return nil
		},
	}
}

func listCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List notices visible on this device",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			notices := a.session.Sidebar()
			if all {
				notices = a.session.Snapshot().Orders
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tCUSTOMER\tITEMS\tUPDATED")
			for _, o := range notices {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", o.ID, o.Status, o.CustomerName,
					strings.Join(o.Items, ", "), o.UpdatedAt.Format(time.Kitchen))
			}
			w.Flush()
			fmt.Fprintf(cmd.OutOrStdout(), "%d active", a.session.Badge())
			if n := a.session.PendingSaves(); n > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), ", %d waiting to be saved", n)
			}
			fmt.Fprintln(cmd.OutOrStdout())
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include drafts")
	return cmd
}

func draftCmd() *cobra.Command {
	var form device.FormState
	var mode string
	var resume bool
	cmd := &cobra.Command{
		Use:   "draft",
		Short: "Start a notice, optionally entering the server code",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if resume {
				if saved, ok := a.session.RestoreForm(); ok {
					form = mergeForm(saved, form)
				}
			}
			form.DiningMode = models.DiningMode(mode)
			if err := a.session.SaveForm(form); err != nil {
				a.logger.WithError(err).Warn("Failed to save form")
			}

			ctx := cmd.Context()
			o, err := a.session.NewDraft(ctx, form.DraftInput("", ""))
			if err != nil {
				return err
			}
			if form.ServerCode != "" {
				if o, err = a.session.RequestServerCode(ctx, o.ID, form.ServerCode); err != nil {
					return err
				}
			}
			printOrder(cmd.OutOrStdout(), o)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&form.CustomerName, "name", "", "diner name")
	f.StringVar(&mode, "mode", string(models.DiningModeDineIn), "dine-in or delivery")
	f.StringVar(&form.DeliveryAddress, "address", "", "delivery address")
	f.StringVar(&form.ServerCode, "code", "", "server code, e.g. A1B2Table7")
	f.StringSliceVar(&form.Items, "items", nil, "dishes")
	f.StringSliceVar(&form.Allergies, "allergies", nil, "allergens")
	f.StringSliceVar(&form.Diets, "diets", nil, "diets")
	f.StringVar(&form.CustomNotes, "notes", "", "free-text notes")
	f.BoolVar(&resume, "resume", false, "fill missing fields from the last saved form")
	return cmd
}

// mergeForm keeps values typed now over the saved ones.
func mergeForm(saved, now device.FormState) device.FormState {
	if now.CustomerName != "" {
		saved.CustomerName = now.CustomerName
	}
	if now.DeliveryAddress != "" {
		saved.DeliveryAddress = now.DeliveryAddress
	}
	if now.ServerCode != "" {
		saved.ServerCode = now.ServerCode
	}
	if len(now.Items) > 0 {
		saved.Items = now.Items
	}
	if len(now.Allergies) > 0 {
		saved.Allergies = now.Allergies
	}
	if len(now.Diets) > 0 {
		saved.Diets = now.Diets
	}
	if now.CustomNotes != "" {
		saved.CustomNotes = now.CustomNotes
	}
	return saved
}

func submitCmd() *cobra.Command {
	var in workflow.SubmitInput
	var mode string
	cmd := &cobra.Command{
		Use:   "submit <id>",
		Short: "Send a drafted notice to the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			in.DiningMode = models.DiningMode(mode)
			o, err := a.session.Submit(cmd.Context(), args[0], in)
			if o != nil {
				printOrder(cmd.OutOrStdout(), o)
			}
			return err
		},
	}
	f := cmd.Flags()
	f.StringVar(&in.CustomerName, "name", "", "diner name")
	f.StringVar(&mode, "mode", "", "dine-in or delivery")
	f.StringVar(&in.DeliveryAddress, "address", "", "delivery address")
	f.StringSliceVar(&in.Items, "items", nil, "dishes")
	f.StringSliceVar(&in.Allergies, "allergies", nil, "allergens")
	f.StringSliceVar(&in.Diets, "diets", nil, "diets")
	f.StringVar(&in.CustomNotes, "notes", "", "free-text notes")
	return cmd
}

func dismissCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dismiss <id>",
		Short: "Hide a notice on this device only",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.session.Dismiss(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Dismissed %s\n", args[0])
			return nil
		},
	}
}

// printBoard writes the badge and the sidebar with the next actions open
// to this device.
func printBoard(w io.Writer, b device.Board) {
	fmt.Fprintf(w, "-- %d active --\n", b.Badge)
	for _, e := range b.Sidebar {
		next := "-"
		if len(e.Next) > 0 {
			kinds := make([]string, len(e.Next))
			for i, k := range e.Next {
				kinds[i] = string(k)
			}
			next = strings.Join(kinds, ", ")
		}
		fmt.Fprintf(w, "%s  %-24s %s  [%s]\n", e.Order.ID, e.Order.Status, e.Order.CustomerName, next)
	}
}

func printOrder(w io.Writer, o *models.Order) {
	fmt.Fprintf(w, "%s  %s  rev %d\n", o.ID, o.Status, o.Revision)
	if o.ServerCode != "" {
		fmt.Fprintf(w, "  server %s", o.ServerName)
		if o.TableNumber != "" {
			fmt.Fprintf(w, ", table %s", o.TableNumber)
		}
		fmt.Fprintln(w)
	}
	if q := o.KitchenQuestion; q != nil {
		answer := "pending"
		if q.Response != nil {
			answer = *q.Response
		}
		fmt.Fprintf(w, "  question: %s (%s)\n", q.Text, answer)
	}
	if last, ok := o.LastEntry(); ok {
		fmt.Fprintf(w, "  %s: %s\n", last.Actor, last.Message)
	}
}
