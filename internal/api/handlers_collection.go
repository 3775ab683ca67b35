package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/collection-scanner/internal/queue"
	"github.com/collection-scanner/internal/types"
)

// enqueueCollectionRequest is the POST /collection payload
type enqueueCollectionRequest struct {
	ChainID        string `json:"chainId"`
	Address        string `json:"address"`
	IndexInitiator string `json:"indexInitiator,omitempty"`
	HasBlueCheck   bool   `json:"hasBlueCheck,omitempty"`
	// Step optionally forces the resume step on re-enqueue
	Step string `json:"step,omitempty"`
}

// enqueueCollectionResponse is the POST /collection reply
type enqueueCollectionResponse struct {
	ChainID  string         `json:"chainId"`
	Address  string         `json:"address"`
	Decision queue.Decision `json:"decision"`
}

// handleEnqueueCollection accepts an index request for a collection. Replies
// 202 regardless of the decision outcome: the work itself is asynchronous.
func (s *Server) handleEnqueueCollection(w http.ResponseWriter, r *http.Request) {
	var req enqueueCollectionRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "invalid request body", nil)
		return
	}

	if req.ChainID == "" {
		req.ChainID = string(types.ChainEthereum)
	}
	if !s.chains[types.ChainID(req.ChainID)] {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "unsupported chain id", map[string]interface{}{
			"chainId": req.ChainID,
		})
		return
	}
	if !types.IsValidAddress(req.Address) {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "invalid contract address", map[string]interface{}{
			"address": req.Address,
		})
		return
	}
	step := types.CreationStep(req.Step)
	if step != "" && step.Index() < 0 {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "invalid creation step", map[string]interface{}{
			"step": req.Step,
		})
		return
	}

	decision, err := s.enqueuer.Enqueue(r.Context(), queue.EnqueueRequest{
		ChainID:        types.ChainID(req.ChainID),
		Address:        req.Address,
		IndexInitiator: req.IndexInitiator,
		HasBlueCheck:   req.HasBlueCheck,
		Step:           step,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, "failed to enqueue collection", nil)
		return
	}

	respondJSON(w, http.StatusAccepted, enqueueCollectionResponse{
		ChainID:  req.ChainID,
		Address:  types.NormalizeAddress(req.Address),
		Decision: decision,
	})
}

// handleCollectionStatus reports indexing progress for one collection
func (s *Server) handleCollectionStatus(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	chainID := types.ChainID(vars["chainId"])
	address := vars["address"]

	if !types.IsValidAddress(address) {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "invalid contract address", nil)
		return
	}

	status, err := s.status.Status(r.Context(), chainID, address)
	if err != nil {
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, "failed to load collection", nil)
		return
	}
	if status == nil {
		respondError(w, http.StatusNotFound, ErrCodeNotFound, "collection not found", nil)
		return
	}

	respondJSON(w, http.StatusOK, status)
}
