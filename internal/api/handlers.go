package api

import (
	"net/http"
)

func (s *Server) countRequests(w http.ResponseWriter, r *http.Request) {
	req, err := parseReadRequest(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	counts, err := s.analytics.CountRequests(r.Context(), req.selector, req.period, req.filter)
	if err != nil {
		s.respondReadError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, counts)
}

func (s *Server) countUniqueOperations(w http.ResponseWriter, r *http.Request) {
	req, err := parseReadRequest(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	count, err := s.analytics.CountUniqueOperations(r.Context(), req.selector, req.period, req.filter)
	if err != nil {
		s.respondReadError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]uint64{"count": count})
}

func (s *Server) countClientVersions(w http.ResponseWriter, r *http.Request) {
	req, err := parseReadRequest(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	count, err := s.analytics.CountClientVersions(r.Context(), req.selector, req.period, clientName(r))
	if err != nil {
		s.respondReadError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]uint64{"count": count})
}

// hasCollectedOperations only needs the selector; no period is parsed.
func (s *Server) hasCollectedOperations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	selector := readerSelector(q.Get("organization"), q.Get("project"), q["target"])

	collected, err := s.analytics.HasCollectedOperations(r.Context(), selector)
	if err != nil {
		s.respondReadError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]bool{"collected": collected})
}

func (s *Server) durationPercentiles(w http.ResponseWriter, r *http.Request) {
	req, err := parseReadRequest(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	byHash, err := s.analytics.DurationPercentiles(r.Context(), req.selector, req.period, req.filter)
	if err != nil {
		s.respondReadError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, byHash)
}

func (s *Server) generalDurationPercentiles(w http.ResponseWriter, r *http.Request) {
	req, err := parseReadRequest(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, err := s.analytics.GeneralDurationPercentiles(r.Context(), req.selector, req.period, req.filter)
	if err != nil {
		s.respondReadError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, p)
}

func (s *Server) requestsOverTime(w http.ResponseWriter, r *http.Request) {
	req, err := parseReadRequest(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	points, err := s.analytics.RequestsOverTime(r.Context(), req.selector, req.period, req.resolution, req.filter)
	if err != nil {
		s.respondReadError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, points)
}

func (s *Server) failuresOverTime(w http.ResponseWriter, r *http.Request) {
	req, err := parseReadRequest(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	points, err := s.analytics.FailuresOverTime(r.Context(), req.selector, req.period, req.resolution, req.filter)
	if err != nil {
		s.respondReadError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, points)
}

func (s *Server) durationOverTime(w http.ResponseWriter, r *http.Request) {
	req, err := parseReadRequest(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	points, err := s.analytics.DurationOverTime(r.Context(), req.selector, req.period, req.resolution, req.filter)
	if err != nil {
		s.respondReadError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, points)
}

func (s *Server) clientBreakdown(w http.ResponseWriter, r *http.Request) {
	req, err := parseReadRequest(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	clients, err := s.analytics.ClientBreakdown(r.Context(), req.selector, req.period)
	if err != nil {
		s.respondReadError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, clients)
}

func (s *Server) clientVersionBreakdown(w http.ResponseWriter, r *http.Request) {
	req, err := parseReadRequest(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	versions, err := s.analytics.ClientVersionBreakdown(r.Context(), req.selector, req.period, clientName(r), req.limit)
	if err != nil {
		s.respondReadError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, versions)
}

func (s *Server) topOperationsForCoordinate(w http.ResponseWriter, r *http.Request) {
	req, err := parseReadRequest(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	coordinate, err := coordinateParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid coordinate encoding")
		return
	}
	stats, err := s.analytics.TopOperationsForCoordinate(r.Context(), req.selector, req.period, coordinate, req.limit)
	if err != nil {
		s.respondReadError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, stats)
}

func (s *Server) topClientsForCoordinate(w http.ResponseWriter, r *http.Request) {
	req, err := parseReadRequest(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	coordinate, err := coordinateParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid coordinate encoding")
		return
	}
	stats, err := s.analytics.TopClientsForCoordinate(r.Context(), req.selector, req.period, coordinate, req.limit)
	if err != nil {
		s.respondReadError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, stats)
}
