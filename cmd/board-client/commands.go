package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/stv-board/internal/domain"
	"github.com/stv-board/internal/syncclient"
)

var errNoPassword = errors.New("an admin password is required (--password or STV_ADMIN_PASSWORD)")

type viewFlags struct {
	search    string
	column    string
	ascending bool
}

func (f *viewFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.search, "search", "q", "", "filter by player name or steam id")
	cmd.Flags().StringVar(&f.column, "sort", string(syncclient.ColumnCreatedAt), "sort column")
	cmd.Flags().BoolVar(&f.ascending, "asc", false, "sort ascending")
}

func (f *viewFlags) query() (syncclient.Query, error) {
	col, ok := syncclient.ParseColumn(f.column)
	if !ok {
		return syncclient.Query{}, fmt.Errorf("unknown sort column %q", f.column)
	}
	q := syncclient.Query{Search: f.search, Column: col, Direction: syncclient.Descending}
	if f.ascending {
		q.Direction = syncclient.Ascending
	}
	return q, nil
}

func logger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// session is one connected client and the feeds its callbacks write to.
type session struct {
	client *syncclient.Client
	events chan syncclient.Message
	status chan syncclient.Status
}

func connect(ctx context.Context, opts syncclient.Options) (*session, error) {
	s := &session{
		events: make(chan syncclient.Message, 64),
		status: make(chan syncclient.Status, 8),
	}
	opts.Logger = logger()
	opts.OnMessage = func(m syncclient.Message) {
		select {
		case s.events <- m:
		default:
		}
	}
	opts.OnStatus = func(st syncclient.Status) {
		select {
		case s.status <- st:
		default:
		}
	}
	client, err := syncclient.NewClient(serverURL, syncclient.NewMirror(), nil, opts)
	if err != nil {
		return nil, err
	}
	s.client = client
	go func() { _ = client.Run(ctx) }()
	return s, nil
}

// waitFor blocks until an event of one of types arrives.
func (s *session) waitFor(ctx context.Context, types ...domain.EventType) (syncclient.Message, error) {
	for {
		select {
		case <-ctx.Done():
			return syncclient.Message{}, ctx.Err()
		case m := <-s.events:
			for _, t := range types {
				if m.Type == t {
					return m, nil
				}
			}
		}
	}
}

func (s *session) login(ctx context.Context) error {
	if password == "" {
		return errNoPassword
	}
	return s.client.Login(ctx, password)
}

// command sends one admin command after the snapshot and waits for its outcome.
func (s *session) command(ctx context.Context, t domain.EventType, data any, outcome ...domain.EventType) (syncclient.Message, error) {
	if err := s.login(ctx); err != nil {
		return syncclient.Message{}, err
	}
	if _, err := s.waitFor(ctx, domain.EventInitialData); err != nil {
		return syncclient.Message{}, err
	}
	if err := s.client.Send(t, data); err != nil {
		return syncclient.Message{}, err
	}
	m, err := s.waitFor(ctx, append(outcome, domain.EventErrorOccurred)...)
	if err != nil {
		return m, err
	}
	if m.Type == domain.EventErrorOccurred {
		if e := s.client.Mirror().LastError(); e != nil {
			return m, fmt.Errorf("%s: %s", e.Code, e.Message)
		}
		return m, errors.New("command rejected")
	}
	return m, nil
}

func watchCmd() *cobra.Command {
	var vf viewFlags
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Show a live table of flagged players",
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, err := vf.query()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			s, err := connect(ctx, syncclient.Options{})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			state := syncclient.StatusConnecting
			redraw := func() {
				fmt.Fprint(out, "\033[H\033[2J")
				m := s.client.Mirror()
				fmt.Fprintf(out, "%s | %d online | updated %s\n\n",
					state, m.Connections(), m.UpdatedAt().Format(time.DateTime))
				if err := renderCheaters(out, syncclient.View(m.Cheaters(), q)); err != nil {
					fmt.Fprintln(out, err)
				}
				if e := m.LastError(); e != nil {
					fmt.Fprintf(out, "\nlast error: %s\n", e.Message)
				}
			}
			for {
				select {
				case <-ctx.Done():
					return nil
				case state = <-s.status:
					redraw()
				case <-s.events:
					redraw()
				}
			}
		},
	}
	vf.register(cmd)
	return cmd
}

func listCmd() *cobra.Command {
	var vf viewFlags
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print the current table of flagged players",
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, err := vf.query()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()

			s, err := connect(ctx, syncclient.Options{})
			if err != nil {
				return err
			}
			if _, err := s.waitFor(ctx, domain.EventInitialData); err != nil {
				return fmt.Errorf("waiting for snapshot: %w", err)
			}
			return renderCheaters(cmd.OutOrStdout(), syncclient.View(s.client.Mirror().Cheaters(), q))
		},
	}
	vf.register(cmd)
	return cmd
}

func ticketsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tickets",
		Short: "Print the open match tickets",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()

			s, err := connect(ctx, syncclient.Options{})
			if err != nil {
				return err
			}
			if _, err := s.waitFor(ctx, domain.EventInitialData); err != nil {
				return fmt.Errorf("waiting for snapshot: %w", err)
			}
			return renderTickets(cmd.OutOrStdout(), s.client.Mirror().Tickets())
		},
	}
}

func addCmd() *cobra.Command {
	var in domain.CheaterInput
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Report a sighting; repeat sightings of a steam id are archived to history",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()

			s, err := connect(ctx, syncclient.Options{})
			if err != nil {
				return err
			}
			m, err := s.command(ctx, domain.EventCheaterAdded, in, domain.EventCheaterAdded, domain.EventCheaterUpdated)
			if err != nil {
				return err
			}
			c, err := syncclient.ApplyCheaterEvent(nil, m)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%s) flagged, %d detections\n", c[0].PlayerName, c[0].SteamID, c[0].DetectionCount)
			return nil
		},
	}
	cmd.Flags().StringVarP(&in.PlayerName, "name", "n", "", "player name")
	cmd.Flags().StringVarP(&in.SteamID, "steam-id", "i", "", "steam id in any notation")
	cmd.Flags().StringVar(&in.SteamProfile, "profile", "", "steam profile url")
	cmd.Flags().StringVar(&in.ServerName, "server-name", "", "server the player was seen on")
	cmd.Flags().StringSliceVarP(&in.CheatTypes, "cheat", "c", nil, "cheat types, repeatable")
	cmd.Flags().StringVar(&in.FungunReport, "fungun", "", "comma separated fungun report links")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("steam-id")
	return cmd
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a record and its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()

			s, err := connect(ctx, syncclient.Options{})
			if err != nil {
				return err
			}
			if _, err := s.command(ctx, domain.EventCheaterDeleted, domain.DeletedRecord{ID: args[0]}, domain.EventCheaterDeleted); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}
