package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/kamilkisiela/graphql-hive-sub003/internal/ingest"
)

// defaultRetentionDays bounds how long reported raw rows live when the
// report does not say otherwise; matches the daily aggregation horizon.
const defaultRetentionDays = 365

// usageReport is the wire shape of one POSTed usage report: executed
// operations plus the operation documents they reference, all for one
// target.
type usageReport struct {
	Target        string              `json:"target"`
	RetentionDays int                 `json:"retentionDays"`
	Operations    []reportedOperation `json:"operations"`
	Collected     []reportedDocument  `json:"collected"`
}

type reportedOperation struct {
	Timestamp     time.Time `json:"timestamp"`
	Hash          string    `json:"hash"`
	Ok            bool      `json:"ok"`
	Duration      uint64    `json:"duration"`
	ClientName    string    `json:"clientName"`
	ClientVersion string    `json:"clientVersion"`
}

type reportedDocument struct {
	Hash        string   `json:"hash"`
	Name        string   `json:"name"`
	Body        string   `json:"body"`
	Kind        string   `json:"kind"`
	Coordinates []string `json:"coordinates"`
	Total       uint64   `json:"total"`
}

// reportOperations decodes a usage report and feeds the ingest writer.
// Rows land in the raw tables; the aggregation tables the read endpoints
// serve from are maintained by the store's materialized views.
func (s *Server) reportOperations(w http.ResponseWriter, r *http.Request) {
	var report usageReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if report.Target == "" {
		s.respondError(w, http.StatusBadRequest, "target is required")
		return
	}
	if report.RetentionDays <= 0 {
		report.RetentionDays = defaultRetentionDays
	}

	now := time.Now().UTC()
	for _, op := range report.Operations {
		if op.Hash == "" {
			s.respondError(w, http.StatusBadRequest, "operation hash is required")
			return
		}
		ts := op.Timestamp
		if ts.IsZero() {
			ts = now
		}
		var ok uint8
		if op.Ok {
			ok = 1
		}
		err := s.writer.AddOperation(ingest.OperationRow{
			Target:        report.Target,
			Timestamp:     ts,
			ExpiresAt:     ts.AddDate(0, 0, report.RetentionDays),
			Hash:          op.Hash,
			Ok:            ok,
			Duration:      op.Duration,
			ClientName:    op.ClientName,
			ClientVersion: op.ClientVersion,
		})
		if err != nil {
			s.logger.Error("buffering operation failed", "target", report.Target, "error", err)
			s.respondError(w, http.StatusBadGateway, "analytics store unavailable")
			return
		}
	}

	for _, doc := range report.Collected {
		if doc.Hash == "" {
			s.respondError(w, http.StatusBadRequest, "document hash is required")
			return
		}
		err := s.writer.AddCollected(ingest.CollectedOperationRow{
			Target:      report.Target,
			Hash:        doc.Hash,
			Name:        doc.Name,
			Body:        doc.Body,
			Kind:        doc.Kind,
			Coordinates: doc.Coordinates,
			Total:       doc.Total,
			Timestamp:   now,
			ExpiresAt:   now.AddDate(0, 0, report.RetentionDays),
		})
		if err != nil {
			s.logger.Error("buffering operation document failed", "target", report.Target, "error", err)
			s.respondError(w, http.StatusBadGateway, "analytics store unavailable")
			return
		}
	}

	s.respondJSON(w, http.StatusOK, map[string]int{
		"operations": len(report.Operations),
		"collected":  len(report.Collected),
	})
}
