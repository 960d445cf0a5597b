package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/asheshgoplani/conductor/internal/statedb"
)

// cmdEvents prints the event log, newest first.
func cmdEvents(env *cliEnv, args []string) error {
	fs := newFlagSet("events", "events [--session s] [--type t] [--limit n] [--unacked] [--json]", env.out)
	sessionFlag := fs.String("session", "", "Only events for this session (number, alias or id)")
	eventType := fs.String("type", "", "Only events of this type")
	limit := fs.Int("limit", 20, "Maximum events to show")
	unacked := fs.Bool("unacked", false, "Only unacknowledged events")
	asJSON := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		return err
	}

	db, err := env.store()
	if err != nil {
		return err
	}
	filter := statedb.EventFilter{Type: *eventType, Unacknowledged: *unacked, Limit: *limit}
	if *sessionFlag != "" {
		row, err := lookupStored(db, *sessionFlag)
		if err != nil {
			return err
		}
		filter.SessionID = row.ID
	}
	events, err := db.ListEvents(filter)
	if err != nil {
		return err
	}

	if *asJSON {
		type eventJSON struct {
			ID           int64     `json:"id"`
			SessionID    string    `json:"session_id,omitempty"`
			Type         string    `json:"type"`
			Message      string    `json:"message"`
			Acknowledged bool      `json:"acknowledged"`
			CreatedAt    time.Time `json:"created_at"`
		}
		out := make([]eventJSON, 0, len(events))
		for _, e := range events {
			out = append(out, eventJSON{e.ID, e.SessionID, e.Type, e.Message, e.Acknowledged, e.CreatedAt})
		}
		enc := json.NewEncoder(env.out)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	if len(events) == 0 {
		env.printf("No events.\n")
		return nil
	}
	labels := storedLabels(db)
	for _, e := range events {
		mark := " "
		if !e.Acknowledged {
			mark = "*"
		}
		who := labels[e.SessionID]
		if who == "" {
			who = "-"
		}
		env.printf("%s %-6d %s  %-15s %s %s\n",
			mark,
			e.ID,
			env.style(dimStyle, e.CreatedAt.Local().Format("01-02 15:04:05")),
			e.Type,
			pad(who, 14),
			truncate(firstLine(e.Message), 60))
	}
	return nil
}

// lookupStored resolves a session identifier against stored rows so
// exited sessions and hosts without tmux work too.
func lookupStored(db *statedb.StateDB, identifier string) (*statedb.SessionRow, error) {
	id := strings.TrimPrefix(strings.TrimSpace(identifier), "#")
	if n, err := strconv.Atoi(id); err == nil {
		if row, err := db.GetSessionByNumber(n); err == nil {
			return row, nil
		}
	}
	if row, err := db.GetSession(id); err == nil {
		return row, nil
	}
	row, err := db.GetSessionByAlias(id)
	if errors.Is(err, statedb.ErrNotFound) {
		return nil, fmt.Errorf("no session %q", identifier)
	}
	return row, err
}

func storedLabels(db *statedb.StateDB) map[string]string {
	rows, err := db.ListSessions(true)
	if err != nil {
		return nil
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.ID] = fmt.Sprintf("#%d %s", r.Number, r.Alias)
	}
	return out
}

// cmdAck acknowledges one or more events.
func cmdAck(env *cliEnv, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: conductor ack <event-id>...")
	}
	db, err := env.store()
	if err != nil {
		return err
	}
	for _, a := range args {
		id, err := strconv.ParseInt(a, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid event id %q", a)
		}
		if err := db.AcknowledgeEvent(id); err != nil {
			if errors.Is(err, statedb.ErrNotFound) {
				return fmt.Errorf("no event %d", id)
			}
			return err
		}
		env.printf("%s Acknowledged %d\n", env.style(okStyle, "✓"), id)
	}
	return nil
}

// cmdPrune deletes old events and commands. The daemon does the same daily.
func cmdPrune(env *cliEnv, args []string) error {
	fs := newFlagSet("prune", "prune [--days n]", env.out)
	days := fs.Int("days", env.cfg.Maintenance.PruneDays, "Delete entries older than this many days")
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		return err
	}
	if *days <= 0 {
		return errors.New("--days must be positive")
	}
	db, err := env.store()
	if err != nil {
		return err
	}
	res, err := db.Prune(time.Now().Add(-time.Duration(*days) * 24 * time.Hour))
	if err != nil {
		return err
	}
	env.printf("%s Pruned %d events and %d commands older than %d days\n",
		env.style(okStyle, "✓"), res.Events, res.Commands, *days)
	return nil
}
