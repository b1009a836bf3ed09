package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/treeow-bridge/internal/attribute"
	"github.com/nerrad567/treeow-bridge/internal/audit"
	"github.com/nerrad567/treeow-bridge/internal/capability"
	"github.com/nerrad567/treeow-bridge/internal/command"
	"github.com/nerrad567/treeow-bridge/internal/device"
)

// maxQueryParamLen bounds device IDs and other path or query values.
const maxQueryParamLen = 256

// deviceResponse is a device with its attribute schema and bindings.
type deviceResponse struct {
	*device.Device
	Attributes []attribute.Attribute `json:"attributes"`
	Bindings   []capability.Binding  `json:"bindings"`
}

// setStateRequest is the request body for PUT /devices/{id}/state.
type setStateRequest struct {
	Values map[string]any `json:"values"`
	Wait   bool           `json:"wait"`
}

// fanRequest is the request body for POST /devices/{id}/fan.
type fanRequest struct {
	command.Intent
	Wait bool `json:"wait"`
}

// commandResponse reports an accepted or resolved command.
type commandResponse struct {
	CommandID string           `json:"command_id"`
	DeviceID  string           `json:"device_id"`
	Status    command.Status   `json:"status"`
	Changes   []command.Change `json:"changes"`
}

// deviceIDParam extracts and bounds the {id} path parameter.
func deviceIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if id == "" || len(id) > maxQueryParamLen {
		writeBadRequest(w, "invalid device ID")
		return "", false
	}
	return id, true
}

// handleListDevices returns every known device.
//
// Query parameters:
//   - available: "true" or "false" to filter by availability
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.source.Devices()

	if raw := r.URL.Query().Get("available"); raw != "" {
		want, err := attribute.ParseBool(raw)
		if err != nil {
			writeBadRequest(w, "invalid available filter")
			return
		}
		filtered := devices[:0]
		for _, d := range devices {
			if d.Available == want {
				filtered = append(filtered, d)
			}
		}
		devices = filtered
	}

	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

// handleGetDevice returns a single device with its schema and bindings.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := deviceIDParam(w, r)
	if !ok {
		return
	}

	dev, err := s.source.Device(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	bindings, err := s.source.Bindings(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := deviceResponse{Device: dev, Bindings: bindings}
	if dev.Attributes != nil {
		resp.Attributes = dev.Attributes.All()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleGetBindings returns the detected bindings of a device.
func (s *Server) handleGetBindings(w http.ResponseWriter, r *http.Request) {
	id, ok := deviceIDParam(w, r)
	if !ok {
		return
	}

	bindings, err := s.source.Bindings(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"device_id": id, "bindings": bindings, "count": len(bindings)})
}

// handleGetDeviceState returns the visible state: confirmed values with
// unresolved commands overlaid.
func (s *Server) handleGetDeviceState(w http.ResponseWriter, r *http.Request) {
	id, ok := deviceIDParam(w, r)
	if !ok {
		return
	}

	view, err := s.source.View(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"device_id": id, "state": view})
}

// handleSetDeviceState submits attribute changes.
func (s *Server) handleSetDeviceState(w http.ResponseWriter, r *http.Request) {
	id, ok := deviceIDParam(w, r)
	if !ok {
		return
	}

	var req setStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if len(req.Values) == 0 {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "values must not be empty")
		return
	}

	p, err := s.source.SubmitChange(r.Context(), id, req.Values)
	if err != nil {
		s.auditCommand(r, audit.ActionSetState, id, nil, outcomeRejected, err)
		writeDomainError(w, err)
		return
	}
	s.logger.Info("command accepted", "device_id", id, "command_id", p.ID, "keys", command.Keys(p.Changes()))
	s.respondCommand(w, r, audit.ActionSetState, p, req.Wait)
}

// handleFanCommand submits a fan intent (on, percentage, preset mode).
func (s *Server) handleFanCommand(w http.ResponseWriter, r *http.Request) {
	id, ok := deviceIDParam(w, r)
	if !ok {
		return
	}

	var req fanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	p, err := s.source.SubmitFan(r.Context(), id, req.Intent)
	if err != nil {
		s.auditCommand(r, audit.ActionFan, id, nil, outcomeRejected, err)
		writeDomainError(w, err)
		return
	}
	s.logger.Info("fan command accepted", "device_id", id, "command_id", p.ID, "keys", command.Keys(p.Changes()))
	s.respondCommand(w, r, audit.ActionFan, p, req.Wait)
}

// respondCommand answers 202 immediately, or blocks until the command
// resolves when wait is set. The outcome is audited under action.
func (s *Server) respondCommand(w http.ResponseWriter, r *http.Request, action string, p *command.Pending, wait bool) {
	resp := commandResponse{
		CommandID: p.ID,
		DeviceID:  p.DeviceID,
		Status:    p.Status(),
		Changes:   p.Changes(),
	}
	if !wait {
		s.auditCommand(r, action, p.DeviceID, p, outcomeAccepted, nil)
		writeJSON(w, http.StatusAccepted, resp)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.commandWait)
	defer cancel()

	if err := p.Wait(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			s.auditCommand(r, action, p.DeviceID, p, outcomeTimeout, nil)
			writeError(w, http.StatusGatewayTimeout, ErrCodeTimeout, "timed out waiting for confirmation")
			return
		}
		s.auditCommand(r, action, p.DeviceID, p, string(p.Status()), err)
		writeDomainError(w, err)
		return
	}

	s.auditCommand(r, action, p.DeviceID, p, string(p.Status()), nil)
	resp.Status = p.Status()
	resp.Changes = p.Changes()
	writeJSON(w, http.StatusOK, resp)
}

// handleDiscover refreshes the device list and re-announces every entity.
func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	if err := s.source.Discover(r.Context()); err != nil {
		s.logger.Warn("manual discovery failed", "error", err)
		s.recordAudit(r, audit.Entry{Action: audit.ActionDiscover, Outcome: outcomeFailed, Details: map[string]any{"error": err.Error()}})
		writeError(w, http.StatusBadGateway, ErrCodeService, "discovery failed")
		return
	}
	if s.republisher != nil {
		s.republisher.PublishAll()
	}
	s.recordAudit(r, audit.Entry{Action: audit.ActionDiscover, Outcome: outcomeOK})

	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "sync": s.source.Status()})
}
