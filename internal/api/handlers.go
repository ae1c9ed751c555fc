package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/lsst-sqre/exposurelog/internal/butler"
	"github.com/lsst-sqre/exposurelog/internal/errs"
	"github.com/lsst-sqre/exposurelog/internal/logbook"
	"github.com/lsst-sqre/exposurelog/internal/message"
)

const maxBodyBytes = 1 << 20

// addRequest is the body of POST /messages.
type addRequest struct {
	ObsID        string               `json:"obs_id"`
	Instrument   string               `json:"instrument"`
	SeqNumEnd    *int                 `json:"seq_num_end"`
	MessageText  string               `json:"message_text"`
	Level        *int                 `json:"level"`
	Tags         []string             `json:"tags"`
	URLs         []string             `json:"urls"`
	UserID       string               `json:"user_id"`
	UserAgent    string               `json:"user_agent"`
	IsHuman      *bool                `json:"is_human"`
	IsNew        *bool                `json:"is_new"`
	ExposureFlag message.ExposureFlag `json:"exposure_flag"`
}

// editRequest is the body of PATCH /messages/{id} and /entries/{entry_id}.
// Absent fields keep the parent's value.
type editRequest struct {
	ParentID     string                `json:"parent_id"`
	SiteID       *string               `json:"site_id"`
	MessageText  *string               `json:"message_text"`
	Level        *int                  `json:"level"`
	Tags         *[]string             `json:"tags"`
	URLs         *[]string             `json:"urls"`
	UserID       *string               `json:"user_id"`
	UserAgent    *string               `json:"user_agent"`
	IsHuman      *bool                 `json:"is_human"`
	ExposureFlag *message.ExposureFlag `json:"exposure_flag"`
}

func (e editRequest) patch() message.Patch {
	return message.Patch{
		SiteID:       e.SiteID,
		MessageText:  e.MessageText,
		Level:        e.Level,
		Tags:         e.Tags,
		URLs:         e.URLs,
		UserID:       e.UserID,
		UserAgent:    e.UserAgent,
		IsHuman:      e.IsHuman,
		ExposureFlag: e.ExposureFlag,
	}
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errs.Validation("body", "invalid JSON body: %v", err)
	}
	return nil
}

func (s *Server) addMessage(w http.ResponseWriter, r *http.Request) {
	var req addRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.IsHuman == nil {
		s.writeError(w, r, errs.Validation("is_human", "is_human is required"))
		return
	}
	if req.IsNew == nil {
		s.writeError(w, r, errs.Validation("is_new", "is_new is required"))
		return
	}
	added, err := s.svc.AddMessage(r.Context(), logbook.NewMessage{
		ObsID:        req.ObsID,
		Instrument:   req.Instrument,
		SeqNumEnd:    req.SeqNumEnd,
		MessageText:  req.MessageText,
		Level:        req.Level,
		Tags:         req.Tags,
		URLs:         req.URLs,
		UserID:       req.UserID,
		UserAgent:    req.UserAgent,
		IsHuman:      *req.IsHuman,
		IsNew:        *req.IsNew,
		ExposureFlag: req.ExposureFlag,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, added)
}

func (s *Server) findMessages(w http.ResponseWriter, r *http.Request) {
	f, err := messageFilter(r.URL.Query())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	page, err := s.svc.FindMessages(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) getMessage(w http.ResponseWriter, r *http.Request) {
	rev, err := s.svc.GetRevision(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rev)
}

// editMessage edits the entry owning revision {id}, which must be its head.
func (s *Server) editMessage(w http.ResponseWriter, r *http.Request) {
	var req editRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	rev, err := s.svc.EditRevision(r.Context(), mux.Vars(r)["id"], req.patch())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rev)
}

func (s *Server) deleteMessage(w http.ResponseWriter, r *http.Request) {
	if _, err := s.svc.DeleteRevision(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getEntry(w http.ResponseWriter, r *http.Request) {
	rev, err := s.svc.Current(r.Context(), mux.Vars(r)["entry_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rev)
}

func (s *Server) editEntry(w http.ResponseWriter, r *http.Request) {
	var req editRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	rev, err := s.svc.EditEntry(r.Context(), mux.Vars(r)["entry_id"], req.ParentID, req.patch())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rev)
}

func (s *Server) deleteEntry(w http.ResponseWriter, r *http.Request) {
	rev, err := s.svc.DeleteEntry(r.Context(), mux.Vars(r)["entry_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rev)
}

func (s *Server) entryHistory(w http.ResponseWriter, r *http.Request) {
	revs, err := s.svc.History(r.Context(), mux.Vars(r)["entry_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, revs)
}

func (s *Server) findExposures(w http.ResponseWriter, r *http.Request) {
	p := &params{values: r.URL.Query()}
	registry := p.intOr("registry", 1)
	q := butler.ExposureQuery{
		Instrument:         p.str("instrument"),
		ObsID:              p.str("obs_id"),
		MinDayObs:          p.intPtr("min_day_obs"),
		MaxDayObs:          p.intPtr("max_day_obs"),
		MinSeqNum:          p.intPtr("min_seq_num"),
		MaxSeqNum:          p.intPtr("max_seq_num"),
		GroupNames:         p.list("group_names"),
		ObservationReasons: p.list("observation_reasons"),
		ObservationTypes:   p.list("observation_types"),
		MinTime:            p.timePtr("min_time"),
		MaxTime:            p.timePtr("max_time"),
		Limit:              p.intOr("limit", butler.DefaultExposureLimit),
	}
	if p.err != nil {
		s.writeError(w, r, p.err)
		return
	}
	exps, err := s.svc.FindExposures(r.Context(), registry, q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exps)
}

func (s *Server) instruments(w http.ResponseWriter, r *http.Request) {
	inst, err := s.svc.Instruments(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"butler_instruments": inst})
}

func (s *Server) configuration(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Configuration())
}
