package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"i4.energy/across/modemctl/call"
	"i4.energy/across/modemctl/device"
	"i4.energy/across/modemctl/sms"
)

// Server handles incoming HTTP requests for interacting with the
// managed modem fleet
type Server struct {
	Logger *slog.Logger
	Fleet  *Fleet
}

// ServeHTTP implements the http.Handler interface for the Server struct
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /modems", s.handleListModems)
	mux.HandleFunc("GET /modems/{id}/diagnostics", s.handleDiagnostics)
	mux.HandleFunc("GET /modems/{id}/alerts", s.handleAlerts)
	mux.HandleFunc("GET /modems/{id}/calls", s.handleCallHistory)
	mux.HandleFunc("GET /modems/{id}/messages", s.handleInbound)
	mux.HandleFunc("POST /modems/{id}/reset", s.handleReset)
	mux.HandleFunc("POST /sms", s.handleSMS)
	mux.HandleFunc("POST /calls/dial", s.handleDial)
	mux.HandleFunc("POST /calls/answer", s.handleAnswer)
	mux.HandleFunc("POST /calls/hangup", s.handleHangup)
	mux.HandleFunc("POST /calls/hold", s.handleHold)
	mux.HandleFunc("POST /calls/resume", s.handleResume)
	mux.HandleFunc("POST /calls/dtmf", s.handleDTMF)
	mux.ServeHTTP(w, r)
}

func (s *Server) sendError(w http.ResponseWriter, message string, statusCode int) {
	if message == "" {
		w.WriteHeader(statusCode)
		return
	}

	type ErrorResponse struct {
		Message string `json:"message"`
	}
	resp := ErrorResponse{Message: message}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(resp)

}

func (s *Server) sendJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payload)
}

// pick resolves the target device: the "modem" field when given,
// otherwise the only device in a single-modem fleet.
func (s *Server) pick(w http.ResponseWriter, id string) *device.Device {
	if id != "" {
		dev, ok := s.Fleet.Get(id)
		if !ok {
			s.sendError(w, "unknown modem: "+id, http.StatusNotFound)
			return nil
		}
		return dev
	}
	all := s.Fleet.All()
	switch len(all) {
	case 0:
		s.sendError(w, "no modems available", http.StatusServiceUnavailable)
		return nil
	case 1:
		return all[0]
	default:
		s.sendError(w, "'modem' field is required with multiple modems", http.StatusBadRequest)
		return nil
	}
}

func (s *Server) handleListModems(w http.ResponseWriter, r *http.Request) {
	type ModemInfo struct {
		ID           string `json:"id"`
		Manufacturer string `json:"manufacturer"`
		Model        string `json:"model"`
		IMEI         string `json:"imei"`
		Operator     string `json:"operator"`
		Registered   bool   `json:"registered"`
		Running      bool   `json:"running"`
	}

	var infos []ModemInfo
	for _, dev := range s.Fleet.All() {
		identity := dev.Identity()
		infos = append(infos, ModemInfo{
			ID:           dev.ID(),
			Manufacturer: identity.Manufacturer,
			Model:        identity.Model,
			IMEI:         identity.IMEI,
			Operator:     identity.Operator,
			Registered:   identity.Registered,
			Running:      dev.Running(),
		})
	}
	s.sendJSON(w, infos)
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	dev := s.pick(w, r.PathValue("id"))
	if dev == nil {
		return
	}
	s.sendJSON(w, dev.Diagnostics())
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	dev := s.pick(w, r.PathValue("id"))
	if dev == nil {
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	s.sendJSON(w, dev.RecentAlerts(limit))
}

func (s *Server) handleCallHistory(w http.ResponseWriter, r *http.Request) {
	dev := s.pick(w, r.PathValue("id"))
	if dev == nil {
		return
	}
	type CallsResponse struct {
		Active  []call.Record `json:"active"`
		History []call.Record `json:"history"`
	}
	s.sendJSON(w, CallsResponse{Active: dev.ActiveCalls(), History: dev.CallHistory()})
}

func (s *Server) handleInbound(w http.ResponseWriter, r *http.Request) {
	dev := s.pick(w, r.PathValue("id"))
	if dev == nil {
		return
	}
	messages, err := dev.FetchSMS(r.Context())
	if err != nil {
		s.Logger.Error("Failed to fetch messages", "modem", dev.ID(), "error", err)
		s.sendError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.sendJSON(w, messages)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	dev := s.pick(w, r.PathValue("id"))
	if dev == nil {
		return
	}
	if err := dev.Reset(r.Context()); err != nil {
		s.Logger.Error("Failed to reset modem", "modem", dev.ID(), "error", err)
		s.sendError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleSMS processes incoming HTTP POST requests to send SMS messages
func (s *Server) handleSMS(w http.ResponseWriter, r *http.Request) {
	type SMSRequest struct {
		Modem   string `json:"modem"`
		To      string `json:"to"`
		Message string `json:"message"`
		Flash   bool   `json:"flash"`
		Report  bool   `json:"report"`
	}

	var req SMSRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if req.To == "" || req.Message == "" {
		s.sendError(w, "both 'to' and 'message' fields are required", http.StatusBadRequest)
		return
	}

	dev := s.pick(w, req.Modem)
	if dev == nil {
		return
	}

	records, err := dev.SendSMS(req.To, req.Message, sms.Options{
		Flash:          req.Flash,
		DeliveryReport: req.Report,
	})
	if err != nil {
		s.Logger.Error("Failed to queue SMS", "error", err, "to", req.To)
		s.sendError(w, err.Error(), smsStatusCode(err))
		return
	}

	s.Logger.Info("SMS queued", "modem", dev.ID(), "to", req.To, "segments", len(records))
	type SMSResponse struct {
		ID       string `json:"id"`
		Segments int    `json:"segments"`
	}
	w.WriteHeader(http.StatusAccepted)
	s.sendJSON(w, SMSResponse{ID: records[0].ID, Segments: len(records)})
}

func smsStatusCode(err error) int {
	switch {
	case errors.Is(err, sms.ErrInvalidDestination), errors.Is(err, sms.ErrEmptyBody):
		return http.StatusBadRequest
	case errors.Is(err, sms.ErrQueueFull):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// callRequest is the shared body for the call control endpoints
type callRequest struct {
	Modem  string `json:"modem"`
	Number string `json:"number"`
	Digits string `json:"digits"`
}

func (s *Server) decodeCall(w http.ResponseWriter, r *http.Request) (*device.Device, callRequest, bool) {
	var req callRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.sendError(w, err.Error(), http.StatusBadRequest)
			return nil, req, false
		}
	}
	dev := s.pick(w, req.Modem)
	if dev == nil {
		return nil, req, false
	}
	return dev, req, true
}

func (s *Server) handleDial(w http.ResponseWriter, r *http.Request) {
	dev, req, ok := s.decodeCall(w, r)
	if !ok {
		return
	}
	if req.Number == "" {
		s.sendError(w, "'number' field is required", http.StatusBadRequest)
		return
	}

	rec, err := dev.Dial(r.Context(), req.Number)
	if err != nil {
		s.Logger.Error("Dial failed", "modem", dev.ID(), "number", req.Number, "error", err)
		s.sendError(w, err.Error(), callStatusCode(err))
		return
	}
	s.sendJSON(w, rec)
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	dev, _, ok := s.decodeCall(w, r)
	if !ok {
		return
	}
	rec, err := dev.Answer(r.Context())
	if err != nil {
		s.sendError(w, err.Error(), callStatusCode(err))
		return
	}
	s.sendJSON(w, rec)
}

func (s *Server) handleHangup(w http.ResponseWriter, r *http.Request) {
	dev, _, ok := s.decodeCall(w, r)
	if !ok {
		return
	}
	if err := dev.Hangup(r.Context()); err != nil {
		s.sendError(w, err.Error(), callStatusCode(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleHold(w http.ResponseWriter, r *http.Request) {
	dev, _, ok := s.decodeCall(w, r)
	if !ok {
		return
	}
	if err := dev.Hold(r.Context()); err != nil {
		s.sendError(w, err.Error(), callStatusCode(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	dev, _, ok := s.decodeCall(w, r)
	if !ok {
		return
	}
	if err := dev.Resume(r.Context()); err != nil {
		s.sendError(w, err.Error(), callStatusCode(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDTMF(w http.ResponseWriter, r *http.Request) {
	dev, req, ok := s.decodeCall(w, r)
	if !ok {
		return
	}
	if req.Digits == "" {
		s.sendError(w, "'digits' field is required", http.StatusBadRequest)
		return
	}
	if err := dev.SendDTMF(r.Context(), req.Digits); err != nil {
		s.sendError(w, err.Error(), callStatusCode(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

func callStatusCode(err error) int {
	switch {
	case errors.Is(err, call.ErrInvalidNumber), errors.Is(err, call.ErrInvalidDigit):
		return http.StatusBadRequest
	case errors.Is(err, call.ErrCallActive):
		return http.StatusConflict
	case errors.Is(err, call.ErrNoActiveCall), errors.Is(err, call.ErrNotConnected):
		return http.StatusPreconditionFailed
	default:
		return http.StatusInternalServerError
	}
}
