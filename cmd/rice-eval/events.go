package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ricesearch/rice-eval/internal/bus"
	apperrors "github.com/ricesearch/rice-eval/internal/pkg/errors"
)

func eventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show or replay the task event journal",
		Long: `Read task lifecycle events from the journal configured by bus.journal_path.

With --replay the selected events are published again on the configured bus
transport, e.g. to backfill a Kafka topic after a consumer was down.`,
		RunE: runEvents,
	}

	cmd.Flags().Duration("since", 0, "only events newer than this (e.g. 24h)")
	cmd.Flags().Int("limit", 0, "maximum number of events (0 = all)")
	cmd.Flags().Bool("json", false, "print events as JSON lines")
	cmd.Flags().Bool("replay", false, "publish the events on the configured bus")

	return cmd
}

func runEvents(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Bus.JournalPath == "" {
		return apperrors.ValidationError("no event journal configured (bus.journal_path)")
	}

	journal, err := bus.OpenJournal(cfg.Bus.JournalPath)
	if err != nil {
		return err
	}
	defer journal.Close()

	f := cmd.Flags()
	var since time.Time
	if d, _ := f.GetDuration("since"); d > 0 {
		since = time.Now().Add(-d)
	}

	if replay, _ := f.GetBool("replay"); replay {
		// Publish on the bare transport so replayed events are not journaled twice.
		transport := cfg.Bus
		transport.JournalPath = ""
		b, err := bus.NewBus(transport, log)
		if err != nil {
			return fmt.Errorf("failed to create event bus: %w", err)
		}
		defer b.Close()

		if err := journal.Replay(cmd.Context(), b, since); err != nil {
			return err
		}
		log.Info("Replayed event journal", "path", cfg.Bus.JournalPath, "bus", cfg.Bus.Type)
		return nil
	}

	limit, _ := f.GetInt("limit")
	entries, err := journal.Entries(since, limit)
	if err != nil {
		return err
	}

	if asJSON, _ := f.GetBool("json"); asJSON {
		enc := json.NewEncoder(os.Stdout)
		for _, e := range entries {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tTOPIC\tEVENT ID\tPAYLOAD")
	for _, e := range entries {
		payload, _ := json.Marshal(e.Event.Payload)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Timestamp.Format(time.RFC3339), e.Topic, e.Event.ID, payload)
	}
	return w.Flush()
}
