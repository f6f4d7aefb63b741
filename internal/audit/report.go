package audit

import (
	"sort"
	"time"
)

// Late-night access above this many events per team and hour is reported
// as an anomaly. Hours are UTC.
const (
	AnomalyThreshold = 5
	lateNightStart   = 22
	lateNightEnd     = 6
)

// Report summarises an audit log over a period.
type Report struct {
	Since        time.Time      `json:"since" yaml:"since"`
	TotalEvents  int            `json:"total_events" yaml:"total_events"`
	ByEventType  map[string]int `json:"by_event_type" yaml:"by_event_type"`
	ByTeam       map[string]int `json:"by_team" yaml:"by_team"`
	ByCredential map[string]int `json:"by_credential" yaml:"by_credential"`
	Denied       []Event        `json:"denied_access" yaml:"denied_access"`
	BreakGlass   []Event        `json:"break_glass_usage" yaml:"break_glass_usage"`
	Anomalies    []Anomaly      `json:"anomalies" yaml:"anomalies"`
}

// Anomaly is a burst of credential reads at an unusual hour.
type Anomaly struct {
	Type  string `json:"type" yaml:"type"`
	Team  string `json:"team" yaml:"team"`
	Hour  int    `json:"hour" yaml:"hour"`
	Count int    `json:"count" yaml:"count"`
}

// BuildReport aggregates events, which should already be filtered to the
// period starting at since.
func BuildReport(events []Event, since time.Time) Report {
	r := Report{
		Since:        since,
		TotalEvents:  len(events),
		ByEventType:  make(map[string]int),
		ByTeam:       make(map[string]int),
		ByCredential: make(map[string]int),
	}

	type teamHour struct {
		team string
		hour int
	}
	late := make(map[teamHour]int)

	for _, e := range events {
		r.ByEventType[e.EventType]++
		if team := e.Details["team"]; team != "" {
			r.ByTeam[team]++
		}
		if cred := e.Details["credential"]; cred != "" {
			r.ByCredential[cred]++
		}

		switch e.EventType {
		case EventCredentialDenied:
			r.Denied = append(r.Denied, e)
		case EventBreakGlassUsed:
			r.BreakGlass = append(r.BreakGlass, e)
		case EventCredentialAccessed:
			if h := e.Timestamp.UTC().Hour(); h >= lateNightStart || h < lateNightEnd {
				late[teamHour{e.Details["team"], h}]++
			}
		}
	}

	for k, n := range late {
		if n > AnomalyThreshold {
			r.Anomalies = append(r.Anomalies, Anomaly{Type: "unusual_hour_access", Team: k.team, Hour: k.hour, Count: n})
		}
	}
	sort.Slice(r.Anomalies, func(i, j int) bool {
		if r.Anomalies[i].Team != r.Anomalies[j].Team {
			return r.Anomalies[i].Team < r.Anomalies[j].Team
		}
		return r.Anomalies[i].Hour < r.Anomalies[j].Hour
	})
	return r
}
