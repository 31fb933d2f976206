package app

import (
	"time"

	"stationdb/internal/runtime/supervisor"
	"stationdb/internal/stationdb"
	"stationdb/internal/task/scheduler"
)

// SummaryView is served on /summary.
type SummaryView struct {
	Updating         bool                     `json:"updating"`
	Summary          stationdb.Summary        `json:"summary"`
	Stats            stationdb.Stats          `json:"stats"`
	CatalogSources   []CatalogSourceView      `json:"catalog_sources"`
	StreamingSources []StreamingSourceView    `json:"streaming_sources"`
	Schedules        []scheduler.ScheduleInfo `json:"schedules,omitempty"`
	Supervisor       *supervisor.Snapshot     `json:"supervisor,omitempty"`
	Fatal            string                   `json:"fatal,omitempty"`
}

type StatusView struct {
	State   string `json:"state"`
	Text    string `json:"text"`
	Percent int    `json:"percent"`
}

type CatalogSourceView struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	URL        string     `json:"url"`
	Status     StatusView `json:"status"`
	LastUpdate *time.Time `json:"last_update,omitempty"`
}

type StreamingSourceView struct {
	ID       string             `json:"id"`
	Name     string             `json:"name"`
	Host     string             `json:"host"`
	Port     int                `json:"port"`
	Status   StatusView         `json:"status"`
	Counters stationdb.Counters `json:"counters"`
}

func statusView(s stationdb.Status) StatusView {
	return StatusView{State: s.State.String(), Text: s.Text, Percent: s.Percent}
}

func (a *App) Summary() SummaryView {
	db := a.mgr.Database()
	v := SummaryView{
		Updating:  a.mgr.IsUpdating(),
		Summary:   a.mgr.Summary(),
		Stats:     db.Stats(),
		Schedules: a.sched.Schedules(),
	}
	for _, s := range db.CatalogSources() {
		cv := CatalogSourceView{ID: s.ID, Name: s.Name, URL: s.URL, Status: statusView(s.Status())}
		if t := s.LastUpdate(); !t.IsZero() {
			cv.LastUpdate = &t
		}
		v.CatalogSources = append(v.CatalogSources, cv)
	}
	for _, s := range db.StreamingSources() {
		c, _ := db.Counters(s.ID)
		v.StreamingSources = append(v.StreamingSources, StreamingSourceView{
			ID: s.ID, Name: s.Name, Host: s.Host, Port: s.Port,
			Status:   statusView(s.Status()),
			Counters: c,
		})
	}
	if a.sup != nil {
		snap := a.sup.Snapshot()
		v.Supervisor = &snap
	}
	if err := a.health(); err != nil {
		v.Fatal = err.Error()
	}
	return v
}
