package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/labeler/internal/model"
	"github.com/sells-group/labeler/internal/store"
)

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, envelope{Success: false, Info: "store unavailable"})
		return
	}
	ok(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) reconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.Reconciler.Reconcile(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, report)
}

func (h *handler) listSessions(w http.ResponseWriter, r *http.Request) {
	var (
		sessions []model.Session
		err      error
	)
	if v := r.URL.Query().Get("available"); v != "" {
		available, perr := strconv.ParseBool(v)
		if perr != nil {
			writeJSON(w, http.StatusBadRequest, envelope{Info: "available must be true or false"})
			return
		}
		if available {
			sessions, err = h.Queue.AvailableSessions(r.Context())
		} else {
			sessions, err = h.Store.ListSessions(r.Context(), store.SessionFilter{ImagesAvailable: store.Bool(false)})
		}
	} else {
		sessions, err = h.Store.ListSessions(r.Context(), store.SessionFilter{})
	}
	if err != nil {
		fail(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []model.Session{}
	}
	ok(w, http.StatusOK, sessions)
}

func (h *handler) sessionSummary(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	summary, err := h.Stats.Summary(r.Context(), id)
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, summary)
}

func (h *handler) next(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	turn, err := h.Queue.Next(r.Context(), id)
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, turn)
}

type submitRequest struct {
	Filename string `json:"filename"`
	Label    string `json:"label"`
}

func (h *handler) submitLabel(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{Info: "invalid request body"})
		return
	}
	if req.Filename == "" {
		writeJSON(w, http.StatusBadRequest, envelope{Info: "filename is required"})
		return
	}

	turn, err := h.Queue.Submit(r.Context(), id, req.Filename, req.Label)
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, turn)
}

type trainRequest struct {
	FullTrain bool `json:"full_train"`
}

// train checks the precondition synchronously, then trains in the
// background and answers 202.
func (h *handler) train(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	var req trainRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, envelope{Info: "invalid request body"})
			return
		}
	}

	images, err := h.Stats.CheckTrainingReady(r.Context(), id, req.FullTrain)
	if err != nil {
		fail(w, r, err)
		return
	}
	if h.Trainer == nil {
		fail(w, r, eris.New("api: no classifier configured"))
		return
	}

	ctx := context.WithoutCancel(r.Context())
	if h.Jobs != nil {
		h.Jobs.Add(1)
	}
	go func() {
		if h.Jobs != nil {
			defer h.Jobs.Done()
		}
		if err := h.Trainer.TrainModelBySession(ctx, id, req.FullTrain); err != nil {
			zap.L().Error("api: background training failed",
				zap.Int64("session_id", id),
				zap.Error(err),
			)
		}
	}()

	ok(w, http.StatusAccepted, map[string]any{
		"session_id": id,
		"full_train": req.FullTrain,
		"images":     len(images),
	})
}

func (h *handler) listErrors(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	records, err := h.Ledger.List(r.Context(), id)
	if err != nil {
		fail(w, r, err)
		return
	}
	if records == nil {
		records = []model.ErrorRecord{}
	}
	ok(w, http.StatusOK, records)
}
