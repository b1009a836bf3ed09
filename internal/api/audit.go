package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/nerrad567/treeow-bridge/internal/audit"
	"github.com/nerrad567/treeow-bridge/internal/command"
)

// Audit outcomes that are not a command status.
const (
	outcomeAccepted = "accepted"
	outcomeRejected = "rejected"
	outcomeTimeout  = "timeout"
	outcomeOK       = "ok"
	outcomeFailed   = "failed"
)

// recordAudit stores an entry for the authenticated caller. Failures are
// logged and never change the response.
func (s *Server) recordAudit(r *http.Request, e audit.Entry) {
	if s.audit == nil {
		return
	}
	if claims := claimsFromContext(r.Context()); claims != nil {
		e.Subject = claims.Subject
		e.Role = string(claims.Role)
	}
	if e.Subject == "" {
		return
	}
	if err := s.audit.Create(context.WithoutCancel(r.Context()), &e); err != nil {
		s.logger.Warn("recording audit entry failed", "action", e.Action, "error", err)
	}
}

// auditCommand records the outcome of a submitted command.
func (s *Server) auditCommand(r *http.Request, action, deviceID string, p *command.Pending, outcome string, cause error) {
	e := audit.Entry{Action: action, DeviceID: deviceID, Outcome: outcome}
	details := map[string]any{}
	if p != nil {
		e.CommandID = p.ID
		details["keys"] = command.Keys(p.Changes())
	}
	if cause != nil {
		details["error"] = cause.Error()
	}
	if len(details) > 0 {
		e.Details = details
	}
	s.recordAudit(r, e)
}

// handleListAudit returns recorded operator actions, newest first.
//
// Query parameters:
//   - action, device_id, subject: exact-match filters
//   - limit: page size (default 50, max 200)
//   - offset: entries to skip
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeService, "audit log not available")
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		Action:   q.Get("action"),
		DeviceID: q.Get("device_id"),
		Subject:  q.Get("subject"),
	}
	for _, v := range []string{filter.Action, filter.DeviceID, filter.Subject} {
		if len(v) > maxQueryParamLen {
			writeBadRequest(w, "query parameter too long")
			return
		}
	}

	var err error
	if filter.Limit, err = parseNonNegative(q.Get("limit")); err != nil {
		writeBadRequest(w, "invalid limit")
		return
	}
	if filter.Offset, err = parseNonNegative(q.Get("offset")); err != nil {
		writeBadRequest(w, "invalid offset")
		return
	}

	res, err := s.audit.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing audit log failed", "error", err)
		writeInternalError(w, "failed to list audit log")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// parseNonNegative parses an optional non-negative integer query value.
func parseNonNegative(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, strconv.ErrSyntax
	}
	return n, nil
}
