package httpapi

import (
	"net/http"
	"strconv"
	"unicode/utf8"

	"github.com/arzzra/soft_phone/pkg/events"
)

type destinationRequest struct {
	Destination string `json:"destination"`
}

type digitRequest struct {
	Digit string `json:"digit"`
}

type eventsResponse struct {
	Events []events.Event `json:"events"`
	Last   uint64         `json:"last"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.phone.Status())
}

// handleCall набирает номер из тела или текущий номер назначения
func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	var req destinationRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "некорректное тело запроса")
			return
		}
	}

	h, err := s.phone.Dial(r.Context(), req.Destination)
	if err != nil {
		writeCallError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, h)
}

func (s *Server) handleTarget(w http.ResponseWriter, r *http.Request) {
	var req destinationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "некорректное тело запроса")
		return
	}
	s.phone.SetTarget(req.Destination)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHangup(w http.ResponseWriter, r *http.Request) {
	if err := s.phone.Hangup(r.Context()); err != nil {
		writeCallError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDTMF(w http.ResponseWriter, r *http.Request) {
	var req digitRequest
	if err := decodeJSON(w, r, &req); err != nil || utf8.RuneCountInString(req.Digit) != 1 {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "ожидается один тон в поле digit")
		return
	}
	digit, _ := utf8.DecodeRuneInString(req.Digit)
	if err := s.phone.SendDigit(r.Context(), digit); err != nil {
		writeCallError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleEvents отдаёт события с номером больше since для клиентов без websocket
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.ring == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "история событий отключена")
		return
	}

	q := r.URL.Query()
	var since uint64
	if v := q.Get("since"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "некорректный параметр since")
			return
		}
		since = n
	}
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "некорректный параметр limit")
			return
		}
		limit = n
	}

	writeJSON(w, http.StatusOK, eventsResponse{
		Events: s.ring.Since(since, limit),
		Last:   s.ring.Last(),
	})
}
