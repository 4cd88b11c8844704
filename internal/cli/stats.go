// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// stats.go - The "ragchat stats" command.
//
// Command: stats
// Short:   Show recorded answer statistics
//
// Statistics are only recorded with telemetry.enabled = true. Nothing
// about question or answer text is stored.
//
// Flags:
//   --days N      Daily breakdown window (default 7, 0 to skip)
//   --recent N    Number of recent answers listed (default 10, 0 to skip)
//   --prune N     Delete statistics older than N days first
//   --json        Output in JSON format
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jeranaias/ragchat/internal/telemetry"
	"github.com/jeranaias/ragchat/internal/util"
)

// HandleStats runs the stats command.
func HandleStats(args Args) error {
	cfg, path, err := loadConfig(args)
	if err != nil {
		return err
	}
	ConfigureColors(cfg.UI.Color, args.NoColor)

	dbPath, err := statsPath(cfg)
	if err != nil {
		return &ConfigError{Path: path, Err: err}
	}
	if _, err := os.Stat(dbPath); errors.Is(err, os.ErrNotExist) {
		if args.JSON {
			return NewJSONResponse("stats", StatsData{Path: dbPath}).Print()
		}
		fmt.Println("No statistics recorded yet.")
		if !cfg.Telemetry.Enabled {
			fmt.Println(RenderConditional(DimStyle, "Enable them with: ragchat config set telemetry.enabled true"))
		}
		return nil
	}

	store, err := telemetry.Open(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	return runStats(context.Background(), store, args, time.Now(), os.Stdout)
}

func runStats(ctx context.Context, store *telemetry.Store, args Args, now time.Time, out io.Writer) error {
	data := StatsData{Path: store.Path()}

	if args.PruneDays > 0 {
		cutoff := now.AddDate(0, 0, -args.PruneDays)
		n, err := store.Prune(ctx, cutoff)
		if err != nil {
			return err
		}
		data.Pruned = n
		if !args.JSON && !args.Quiet {
			fmt.Fprintf(out, "%s %d answers older than %s\n",
				RenderConditional(SuccessStyle, "Pruned"), n, cutoff.Format("2006-01-02"))
		}
	}

	summary, err := store.Summary(ctx)
	if err != nil {
		return err
	}
	data.Summary = summary

	if args.Days > 0 {
		if data.Daily, err = store.Daily(ctx, args.Days, now); err != nil {
			return err
		}
	}
	if args.Recent > 0 {
		if data.Recent, err = store.Recent(ctx, args.Recent); err != nil {
			return err
		}
	}

	if args.JSON {
		return NewJSONResponse("stats", data).Write(out)
	}
	printStats(out, data)
	return nil
}

func printStats(out io.Writer, data StatsData) {
	s := data.Summary
	fmt.Fprintln(out, RenderConditional(TitleStyle, "ragchat statistics"))
	fmt.Fprintln(out, RenderSeparator(40))

	if s.Turns == 0 {
		fmt.Fprintln(out, "No answers recorded.")
		return
	}

	const w = 18
	fmt.Fprintf(out, "%s %d in %d conversations\n", RenderLabel("Answers:", w), s.Turns, s.Conversations)
	fmt.Fprintf(out, "%s %d completed, %d failed, %d stopped\n", RenderLabel("Outcomes:", w),
		s.ByState["completed"], s.ByState["failed"], s.ByState["cancelled"])
	if s.ByState["completed"] > 0 {
		fmt.Fprintf(out, "%s %.2f\n", RenderLabel("Mean confidence:", w), s.MeanConfidence)
		fmt.Fprintf(out, "%s %s %d, %s %d, %s %d\n", RenderLabel("Tiers:", w),
			RenderConditional(tierHighStyle, "high"), s.ByTier["high"],
			RenderConditional(tierMediumStyle, "medium"), s.ByTier["medium"],
			RenderConditional(tierLowStyle, "low"), s.ByTier["low"])
	}
	fmt.Fprintf(out, "%s %s\n", RenderLabel("Mean first token:", w), formatDuration(s.MeanTTFT))
	fmt.Fprintf(out, "%s %s\n", RenderLabel("Mean duration:", w), formatDuration(s.MeanDuration))
	if s.Anomalies > 0 {
		fmt.Fprintf(out, "%s %s\n", RenderLabel("Stream anomalies:", w),
			RenderConditional(WarningStyle, fmt.Sprint(s.Anomalies)))
	}
	fmt.Fprintf(out, "%s %s to %s\n", RenderLabel("Period:", w),
		s.First.Local().Format("2006-01-02"), s.Last.Local().Format("2006-01-02"))

	if len(data.Daily) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, RenderConditional(SectionStyle, "By day"))
		for _, d := range data.Daily {
			fmt.Fprintf(out, "  %s  %3d  %s\n",
				d.Date.Format("Mon 01-02"), d.Turns,
				RenderConditional(DimStyle, fmt.Sprintf("(%d ok, %d failed, %d stopped)", d.Completed, d.Failed, d.Cancelled)))
		}
	}

	if len(data.Recent) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, RenderConditional(SectionStyle, "Recent answers"))
		for _, t := range data.Recent {
			outcome := RenderStatus(stateStatus(t.State))
			detail := fmt.Sprintf("%.2f %-6s", t.Confidence, t.Tier)
			if t.State != "completed" {
				detail = util.TruncateWidth(t.State+" "+t.Error, 40)
			}
			fmt.Fprintf(out, "  %s %s %s %s\n",
				t.StartedAt.Local().Format("01-02 15:04"),
				outcome,
				util.PadRight(formatDuration(t.Duration), 7),
				detail)
		}
	}
}

func stateStatus(state string) string {
	switch state {
	case "completed":
		return "ok"
	case "cancelled":
		return "warn"
	default:
		return "fail"
	}
}
