package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/warp/coachdesk/app"
	"github.com/warp/coachdesk/collection"
	"github.com/warp/coachdesk/config"
	"github.com/warp/coachdesk/generic"
	"github.com/warp/coachdesk/logging"
)

type cli struct {
	out     io.Writer
	errOut  io.Writer
	format  string
	offline bool
	app     *app.App
}

// execute runs one invocation. The app is closed even when the command
// fails, so the mirror lock is always released.
func execute(args []string, out, errOut io.Writer) error {
	root, c := newRootCmd(out, errOut)
	root.SetArgs(args)
	err := root.Execute()
	if cerr := c.close(); err == nil {
		err = cerr
	}
	return err
}

func newRootCmd(out, errOut io.Writer) (*cobra.Command, *cli) {
	c := &cli{out: out, errOut: errOut}
	root := &cobra.Command{
		Use:   "coachctl",
		Short: "Offline-capable client for coachdesk",
		Long: `coachctl reads and writes a trainer's clients, schedules, workouts,
packages and invoices. Without a connection, changes are kept in a local
mirror and replayed by "coachctl sync".`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.open,
	}
	root.SetOut(out)
	root.SetErr(errOut)

	config.ClientFlags(root.PersistentFlags())
	root.PersistentFlags().StringVarP(&c.format, "format", "f", "table", "output format: table|json|yaml")
	root.PersistentFlags().BoolVar(&c.offline, "offline", false, "work from the local mirror only")

	root.AddCommand(
		c.loginCmd(), c.logoutCmd(),
		c.listCmd(), c.addCmd(), c.updateCmd(), c.deleteCmd(),
		c.pendingCmd(), c.syncCmd(), c.discardCmd(), c.statusCmd(),
	)
	return root, c
}

func (c *cli) open(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return err
	}
	log, err := logging.NewWithOutput(c.errOut, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	a, err := app.New(cfg, log,
		app.WithNotifier(printNotifier{w: c.errOut}),
		app.WithReconnectSync(false))
	if err != nil {
		return err
	}
	c.app = a
	if !c.offline {
		a.Probe(cmd.Context())
	}
	return nil
}

func (c *cli) close() error {
	if c.app == nil {
		return nil
	}
	err := c.app.Close()
	c.app = nil
	return err
}

// printNotifier shows collection notices on stderr.
type printNotifier struct{ w io.Writer }

func (p printNotifier) PendingSync(table generic.Table, message string) {
	fmt.Fprintf(p.w, "%s: %s\n", table, message)
}

func (p printNotifier) Error(table generic.Table, message string, err error) {
	fmt.Fprintf(p.w, "%s: %s: %v\n", table, message, err)
}

// =============================================================================
// SESSION
// =============================================================================

func (c *cli) loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login CODE",
		Short: "Redeem an authorization code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := c.app.Login(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(c.out, "signed in as %s until %s\n", s.UserID, s.ExpiresAt.Format("2006-01-02 15:04"))
			return nil
		},
	}
}

func (c *cli) logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the saved session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.app.Logout()
		},
	}
}

// =============================================================================
// TABLES
// =============================================================================

func (c *cli) listCmd() *cobra.Command {
	var where []string
	var order string
	var desc bool
	var columns []string

	cmd := &cobra.Command{
		Use:   "list TABLE",
		Short: "Read rows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filters, err := parseAssignments(where)
			if err != nil {
				return err
			}
			opts := collection.Options{Select: columns}
			for _, col := range sortedKeys(filters) {
				opts.Filters = append(opts.Filters, generic.Filter{Column: col, Value: filters[col]})
			}
			if order != "" {
				opts.Order = []generic.OrderBy{{Column: order, Desc: desc}}
			}

			view, err := c.app.Collection(generic.Table(args[0]), opts).Read(cmd.Context())
			var warn *generic.Warning
			switch {
			case errors.As(err, &warn):
				fmt.Fprintf(c.errOut, "warning: %v\n", warn)
			case err != nil:
				return err
			}
			return render(c.out, c.format, view.Rows)
		},
	}
	cmd.Flags().StringArrayVarP(&where, "where", "w", nil, "equality filter col=val (repeatable)")
	cmd.Flags().StringVarP(&order, "order", "o", "", "order by column")
	cmd.Flags().BoolVar(&desc, "desc", false, "descending order")
	cmd.Flags().StringSliceVarP(&columns, "select", "s", nil, "columns to show")
	return cmd
}

func (c *cli) addCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add TABLE col=val...",
		Short: "Create a row",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := parseAssignments(args[1:])
			if err != nil {
				return err
			}
			id, err := c.app.Collection(generic.Table(args[0]), collection.Options{}).CreateItem(cmd.Context(), rec)
			if err != nil {
				return err
			}
			fmt.Fprintln(c.out, id)
			return nil
		},
	}
}

func (c *cli) updateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "update TABLE ID col=val...",
		Short: "Patch a row",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			patch, err := parseAssignments(args[2:])
			if err != nil {
				return err
			}
			return warnOnly(c.errOut, c.app.Collection(generic.Table(args[0]), collection.Options{}).
				UpdateItem(cmd.Context(), args[1], patch))
		},
	}
}

func (c *cli) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete TABLE ID",
		Short: "Delete a row",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return warnOnly(c.errOut, c.app.Collection(generic.Table(args[0]), collection.Options{}).
				DeleteItem(cmd.Context(), args[1]))
		},
	}
}

// =============================================================================
// QUEUE
// =============================================================================

func (c *cli) pendingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "Show queued changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ops, err := c.app.Pending(cmd.Context())
			if err != nil {
				return err
			}
			return render(c.out, c.format, opRows(ops))
		},
	}
}

func (c *cli) syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Replay queued changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !c.app.Monitor.Online() {
				return fmt.Errorf("backend unreachable: %w", generic.ErrRemoteUnavailable)
			}
			res, err := c.app.SyncNow(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(c.out, "replayed %d, remaining %d\n", res.Replayed, res.Remaining)
			for _, t := range res.Tables {
				if t.Blocked != nil {
					fmt.Fprintf(c.errOut, "%s blocked by %s: %s\n", t.Table, t.Blocked, t.Blocked.LastError)
				}
			}
			return nil
		},
	}
}

func (c *cli) discardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discard SEQ",
		Short: "Drop a queued change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seq, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("sequence %q: %w", args[0], err)
			}
			return c.app.Engine.Discard(cmd.Context(), seq)
		},
	}
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Connectivity and queue summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := c.app.Engine.Status(cmd.Context())
			if err != nil {
				return err
			}
			user := "signed out"
			if id, err := c.app.Session.UserID(cmd.Context()); err == nil {
				user = id
			}
			return render(c.out, c.format, []generic.Record{{
				"connectivity": c.app.Monitor.State().String(),
				"user":         user,
				"pending":      st.Pending,
				"rejected":     st.Rejected,
			}})
		},
	}
}

// =============================================================================
// HELPERS
// =============================================================================

// parseAssignments turns col=val pairs into a record. Values that parse as
// JSON keep their JSON type; anything else is a string.
func parseAssignments(args []string) (generic.Record, error) {
	rec := generic.Record{}
	for _, arg := range args {
		col, raw, ok := strings.Cut(arg, "=")
		if !ok || col == "" {
			return nil, fmt.Errorf("expected col=val, got %q", arg)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		rec[col] = v
	}
	return rec, nil
}

func warnOnly(w io.Writer, err error) error {
	var warn *generic.Warning
	if errors.As(err, &warn) {
		fmt.Fprintf(w, "warning: %v\n", warn)
		return nil
	}
	return err
}

func opRows(ops []generic.PendingOperation) []generic.Record {
	rows := make([]generic.Record, 0, len(ops))
	for _, op := range ops {
		rows = append(rows, generic.Record{
			"seq":    op.Seq,
			"table":  string(op.Table),
			"id":     op.RecordID,
			"op":     string(op.Kind),
			"status": string(op.Status),
			"error":  op.LastError,
		})
	}
	return rows
}
