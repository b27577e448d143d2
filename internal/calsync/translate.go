package calsync

import (
	"fmt"
	"log"
	"time"

	"gitea.jw6.us/james/calsync/internal/provider"
	"gitea.jw6.us/james/calsync/internal/store"
)

const dateLayout = "2006-01-02"

// translate turns a provider delta into a store commit. When an event id
// appears more than once, its last occurrence wins. Events without a usable
// start are skipped and counted.
func translate(sourceID int64, page *provider.DeltaPage, syncedAt time.Time) (store.Commit, int) {
	commit := store.Commit{
		SourceID:      sourceID,
		NextSyncToken: page.NextSyncToken,
		SyncedAt:      syncedAt,
	}

	type op struct {
		item    *store.CalendarItem
		removed bool
	}
	ops := map[string]op{}
	var order []string
	skipped := 0

	for _, ev := range page.Events {
		if ev.ID == "" {
			skipped++
			continue
		}
		o := op{removed: true}
		if !ev.Removed {
			item, err := toItem(ev)
			if err != nil {
				log.Printf("[WARN] source %d: skipping event %s: %v", sourceID, ev.ID, err)
				skipped++
				continue
			}
			o = op{item: item}
		}
		if _, seen := ops[ev.ID]; !seen {
			order = append(order, ev.ID)
		}
		ops[ev.ID] = o
	}

	for _, id := range order {
		if o := ops[id]; o.removed {
			commit.Deletes = append(commit.Deletes, id)
		} else {
			commit.Upserts = append(commit.Upserts, *o.item)
		}
	}
	return commit, skipped
}

func toItem(ev provider.EventDelta) (*store.CalendarItem, error) {
	start, err := toEventTime(ev.Start)
	if err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}
	end, err := toEventTime(ev.End)
	if err != nil {
		if ev.End != (provider.EventTime{}) {
			return nil, fmt.Errorf("end: %w", err)
		}
		end = start
	}

	item := &store.CalendarItem{
		RemoteID: ev.ID,
		Title:    ev.Title,
		Start:    start,
		End:      end,
		AllDay:   start.AllDay(),
	}
	if ev.HTMLLink != "" {
		link := ev.HTMLLink
		item.HTMLLink = &link
	}
	return item, nil
}

func toEventTime(t provider.EventTime) (store.EventTime, error) {
	switch {
	case t.DateTime != "":
		instant, err := time.Parse(time.RFC3339, t.DateTime)
		if err != nil {
			return store.EventTime{}, err
		}
		return store.InstantOf(instant), nil
	case t.Date != "":
		date, err := time.Parse(dateLayout, t.Date)
		if err != nil {
			return store.EventTime{}, err
		}
		return store.DateOf(date.Year(), date.Month(), date.Day()), nil
	default:
		return store.EventTime{}, fmt.Errorf("neither date nor date-time set")
	}
}
