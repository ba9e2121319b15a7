package reloadproxy

import (
	"fmt"
	"os"
	"sort"
	"time"
)

// ReportingStatus is snapshot of metadata about the status of a Server
//
// It can be serialized to JSON and is what gets reported to admin API endpoint.
type ReportingStatus struct {
	Node        string         `json:"node"`
	Status      string         `json:"status"`
	Reported    int64          `json:"reported_at"`
	StartupTime int64          `json:"startup_time"`
	SentMsgs    uint64         `json:"msgs_broadcast"`
	Backend     string         `json:"backend"`
	Connections connStatusList `json:"connections"`
}

// implements sort.Interface to enable []connectionStatus to be sorted by age
type connStatusList []connectionStatus

func (cl connStatusList) Len() int           { return len(cl) }
func (cl connStatusList) Swap(i, j int)      { cl[i], cl[j] = cl[j], cl[i] }
func (cl connStatusList) Less(i, j int) bool { return cl[i].Created < cl[j].Created }

// Status returns the ReportingStatus for a given server.
//
// Primarily intended for logging and reporting.
func (s *Server) Status() ReportingStatus {
	snap := s.hub.Snapshot()

	stats := ReportingStatus{
		Node:        fmt.Sprintf("%s-%s", s.conf.Environment, nodeName()),
		Status:      "OK",
		Reported:    time.Now().Unix(),
		StartupTime: snap.StartupTime.Unix(),
		SentMsgs:    snap.SentMsgs,
		Backend:     s.forwarder.backend.String(),
		Connections: connStatusList(snap.Connections),
	}
	if stats.Connections == nil {
		stats.Connections = connStatusList{}
	}
	sort.Stable(stats.Connections)

	return stats
}

// Attempts to get the name of the node we are running on, falling back to
// "unknown" when the hostname cannot be determined.
func nodeName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "unknown"
}
