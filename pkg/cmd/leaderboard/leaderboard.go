// Package leaderboard provides the command printing the standings of a session.
package leaderboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mpapenbr/kartrace-service-manager-go/log"
	"github.com/mpapenbr/kartrace-service-manager-go/pkg/config"
	"github.com/mpapenbr/kartrace-service-manager-go/pkg/countdown"
	"github.com/mpapenbr/kartrace-service-manager-go/pkg/datalayer/rest"
	"github.com/mpapenbr/kartrace-service-manager-go/pkg/leaderboard"
	"github.com/mpapenbr/kartrace-service-manager-go/pkg/model"
	"github.com/mpapenbr/kartrace-service-manager-go/pkg/natsbcst"
)

var ErrUnknownFormat = errors.New("unknown output format")

type (
	row struct {
		Rank      int      `json:"rank" yaml:"rank"`
		Podium    string   `json:"podium,omitempty" yaml:"podium,omitempty"`
		Racer     string   `json:"racer" yaml:"racer"`
		Cart      string   `json:"cart,omitempty" yaml:"cart,omitempty"`
		Group     string   `json:"group,omitempty" yaml:"group,omitempty"`
		Laps      int      `json:"laps" yaml:"laps"`
		BestLap   *float64 `json:"bestLap,omitempty" yaml:"bestLap,omitempty"`
		Status    string   `json:"status" yaml:"status"`
		Remaining string   `json:"remaining,omitempty" yaml:"remaining,omitempty"`
	}
	standings struct {
		SessionID int       `json:"sessionId" yaml:"sessionId"`
		Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
		Message   string    `json:"message,omitempty" yaml:"message,omitempty"`
		Rows      []row     `json:"rows" yaml:"rows"`
	}
)

func NewLeaderboardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "leaderboard",
		Short: "prints the leaderboard of a session",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return checkFormat(config.OutputFormat)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVarP(&config.SessionID,
		"session",
		"s",
		0,
		"session id")
	cmd.Flags().BoolVarP(&config.Follow,
		"follow",
		"f",
		false,
		"keep printing updates published via NATS (requires --nats-url)")
	cmd.Flags().StringVarP(&config.OutputFormat,
		"output",
		"o",
		"table",
		"output format (table, json, yaml)")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func checkFormat(format string) error {
	if !lo.Contains([]string{"table", "json", "yaml"}, format) {
		return fmt.Errorf("%s: %w", format, ErrUnknownFormat)
	}
	return nil
}

func run(ctx context.Context, out io.Writer) error {
	level, err := log.ParseLevel(config.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	log.ResetDefault(log.DevLogger(os.Stderr, level))
	if ctx == nil {
		ctx = context.Background()
	}
	cli := rest.New(config.BackendURL, rest.WithToken(config.BackendToken))
	live, err := cli.GetLiveLeaderboard(ctx, config.SessionID)
	if err != nil {
		return fmt.Errorf("could not fetch leaderboard: %w", err)
	}
	snap := &leaderboard.Snapshot{
		SessionID: config.SessionID,
		Timestamp: time.Now(),
		Board:     leaderboard.Rank(live.Entries),
	}
	if err := Print(out, config.OutputFormat, snap); err != nil {
		return err
	}
	if !config.Follow {
		return nil
	}
	return follow(ctx, out)
}

func follow(ctx context.Context, out io.Writer) error {
	if config.NatsURL == "" {
		return errors.New("--follow requires --nats-url")
	}
	nc, err := nats.Connect(config.NatsURL, nats.Name("ksm-leaderboard"))
	if err != nil {
		return err
	}
	defer nc.Close()
	ch, err := natsbcst.Watch(ctx, nc, config.NatsPrefix, config.SessionID)
	if err != nil {
		return err
	}
	for snap := range ch {
		if err := Print(out, config.OutputFormat, snap); err != nil {
			return err
		}
	}
	return nil
}

// Print writes the board in the given format
func Print(out io.Writer, format string, snap *leaderboard.Snapshot) error {
	data := toStandings(snap)
	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(data); err != nil {
			return err
		}
		return enc.Close()
	case "table":
		return printTable(out, data)
	default:
		return fmt.Errorf("%s: %w", format, ErrUnknownFormat)
	}
}

func printTable(out io.Writer, data standings) error {
	if data.Message != "" {
		_, err := fmt.Fprintln(out, data.Message)
		return err
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "POS\tRACER\tCART\tLAPS\tBEST\tSTATUS\tREMAINING")
	for _, r := range data.Rows {
		best := "-"
		if r.BestLap != nil {
			best = fmt.Sprintf("%.3f", *r.BestLap)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\t%s\n",
			r.Rank, r.Racer, r.Cart, r.Laps, best, r.Status, r.Remaining)
	}
	return w.Flush()
}

func toStandings(snap *leaderboard.Snapshot) standings {
	return standings{
		SessionID: snap.SessionID,
		Timestamp: snap.Timestamp,
		Message:   snap.Message,
		Rows: lo.Map(snap.Entries, func(e *model.LeaderboardEntry, _ int) row {
			return row{
				Rank:      e.Rank,
				Podium:    leaderboard.PodiumFor(e.Rank).String(),
				Racer:     e.RacerName,
				Cart:      e.CartName,
				Group:     e.GroupName,
				Laps:      e.TotalLaps,
				BestLap:   e.BestLap,
				Status:    e.RaceStatus.String(),
				Remaining: remaining(e, snap.Timestamp),
			}
		}),
	}
}

func remaining(e *model.LeaderboardEntry, now time.Time) string {
	if e.Remaining != "" {
		return e.Remaining
	}
	if e.RaceStatus != model.RaceInProgress || e.ExpectedEndTime == nil {
		return ""
	}
	return countdown.Format(max(0, int(e.ExpectedEndTime.Sub(now)/time.Second)))
}
