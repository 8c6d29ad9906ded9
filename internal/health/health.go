// Package health reports node liveness for orchestration: broker connectivity
// and the number of accepted connections.
package health

import (
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/Tyrowin/gochat-relay/internal/broker"
)

// Status values reported by the checker.
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)

// BrokerState is the part of the broker bridge the checker reads.
type BrokerState interface {
	Connected() bool
	Status() broker.Status
}

// ConnectionCounter reports the number of registered connections.
type ConnectionCounter interface {
	Count() int
}

// Report is the JSON body served by the health endpoint.
type Report struct {
	Status      string        `json:"status"`
	Node        string        `json:"node"`
	Broker      broker.Status `json:"broker"`
	Connections int           `json:"connections"`
	Uptime      string        `json:"uptime"`
}

// Checker builds health reports.
type Checker struct {
	node    string
	broker  BrokerState
	conns   ConnectionCounter
	started time.Time
}

// NewChecker returns a checker for one node.
func NewChecker(node string, b BrokerState, conns ConnectionCounter) *Checker {
	return &Checker{node: node, broker: b, conns: conns, started: time.Now()}
}

// Check returns the current report. The node is degraded while the broker is
// unreachable: it still serves local connections but cannot reach peers.
func (c *Checker) Check() Report {
	r := Report{
		Status:      StatusHealthy,
		Node:        c.node,
		Broker:      c.broker.Status(),
		Connections: c.conns.Count(),
		Uptime:      time.Since(c.started).Round(time.Second).String(),
	}
	if !c.broker.Connected() {
		r.Status = StatusDegraded
	}
	return r
}

// ServeHTTP writes the report with 200 when healthy and 503 when degraded.
func (c *Checker) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	report := c.Check()

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if report.Status == StatusHealthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(w).Encode(report)
}
