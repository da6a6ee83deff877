package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"EscrowLedger/internal/escrow"
	"EscrowLedger/internal/query"
)

// ============================================================================
// Write operations
// ============================================================================

// opResponse is the common reply for submitted operations.
type opResponse struct {
	OpID      string `json:"op_id"`
	Duplicate bool   `json:"duplicate"`

	BalanceCreated  *bool   `json:"balance_created,omitempty"`
	BetIndex        *uint32 `json:"bet_index,omitempty"`
	OddsAtPlacement *uint64 `json:"odds_at_placement,omitempty"`
}

type depositRequest struct {
	OpID        string `json:"op_id"`
	Owner       string `json:"owner"`
	Amount      uint64 `json:"amount"`
	TimestampUs int64  `json:"timestamp_us"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	owner, ok := parsePubkeyField(w, "owner", req.Owner)
	if !ok {
		return
	}
	hdr, ok := opHeader(w, req.OpID, owner, req.TimestampUs)
	if !ok {
		return
	}

	op := &escrow.Deposit{OpHeader: hdr, Owner: owner, Amount: req.Amount}
	result, err := s.submitter.Submit(r.Context(), op)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := opResponse{OpID: hdr.ID.String(), Duplicate: result.Duplicate}
	if !result.Duplicate {
		resp.BalanceCreated = &result.BalanceCreated
	}
	writeJSON(w, http.StatusOK, resp)
}

type withdrawRequest struct {
	OpID        string `json:"op_id"`
	Owner       string `json:"owner"`
	Amount      uint64 `json:"amount"`
	TimestampUs int64  `json:"timestamp_us"`
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	owner, ok := parsePubkeyField(w, "owner", req.Owner)
	if !ok {
		return
	}
	hdr, ok := opHeader(w, req.OpID, owner, req.TimestampUs)
	if !ok {
		return
	}

	op := &escrow.Withdraw{OpHeader: hdr, Owner: owner, Amount: req.Amount}
	result, err := s.submitter.Submit(r.Context(), op)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, opResponse{OpID: hdr.ID.String(), Duplicate: result.Duplicate})
}

type closeAccountRequest struct {
	OpID        string `json:"op_id"`
	Owner       string `json:"owner"`
	TimestampUs int64  `json:"timestamp_us"`
}

func (s *Server) handleCloseAccount(w http.ResponseWriter, r *http.Request) {
	var req closeAccountRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	owner, ok := parsePubkeyField(w, "owner", req.Owner)
	if !ok {
		return
	}
	hdr, ok := opHeader(w, req.OpID, owner, req.TimestampUs)
	if !ok {
		return
	}

	op := &escrow.CloseBalanceAccount{OpHeader: hdr, Owner: owner}
	result, err := s.submitter.Submit(r.Context(), op)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, opResponse{OpID: hdr.ID.String(), Duplicate: result.Duplicate})
}

type placeBetRequest struct {
	OpID        string `json:"op_id"`
	Bettor      string `json:"bettor"`
	MatchID     string `json:"match_id"`
	Outcome     string `json:"outcome"`
	Amount      uint64 `json:"amount"`
	TimestampUs int64  `json:"timestamp_us"`
}

func (s *Server) handlePlaceBet(w http.ResponseWriter, r *http.Request) {
	var req placeBetRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	bettor, ok := parsePubkeyField(w, "bettor", req.Bettor)
	if !ok {
		return
	}
	outcome, err := escrow.ParseOutcome(req.Outcome)
	if err != nil {
		writeError(w, err)
		return
	}
	hdr, ok := opHeader(w, req.OpID, bettor, req.TimestampUs)
	if !ok {
		return
	}

	op := &escrow.PlaceBet{
		OpHeader: hdr,
		Bettor:   bettor,
		MatchID:  req.MatchID,
		Outcome:  outcome,
		Amount:   req.Amount,
	}
	result, err := s.submitter.Submit(r.Context(), op)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := opResponse{OpID: hdr.ID.String(), Duplicate: result.Duplicate}
	if !result.Duplicate {
		resp.BetIndex = &result.BetIndex
		resp.OddsAtPlacement = &result.OddsAtPlacement
	}
	writeJSON(w, http.StatusOK, resp)
}

// ============================================================================
// Admin operations
// ============================================================================

type initializeRequest struct {
	OpID        string `json:"op_id"`
	Admin       string `json:"admin"`
	Oracle      string `json:"oracle"`
	MinDeposit  uint64 `json:"min_deposit"`
	MaxDeposit  uint64 `json:"max_deposit"`
	FeeBps      uint16 `json:"fee_bps"`
	TimestampUs int64  `json:"timestamp_us"`
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	var req initializeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	admin, ok := parsePubkeyField(w, "admin", req.Admin)
	if !ok {
		return
	}
	var oracle escrow.Pubkey
	if req.Oracle != "" {
		if oracle, ok = parsePubkeyField(w, "oracle", req.Oracle); !ok {
			return
		}
	}
	hdr, ok := opHeader(w, req.OpID, admin, req.TimestampUs)
	if !ok {
		return
	}

	op := &escrow.InitializePlatform{
		OpHeader:   hdr,
		Oracle:     oracle,
		MinDeposit: req.MinDeposit,
		MaxDeposit: req.MaxDeposit,
		FeeBps:     req.FeeBps,
	}
	result, err := s.submitter.Submit(r.Context(), op)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, opResponse{OpID: hdr.ID.String(), Duplicate: result.Duplicate})
}

type updateConfigRequest struct {
	OpID        string `json:"op_id"`
	Admin       string `json:"admin"`
	Oracle      string `json:"oracle"`
	MinDeposit  uint64 `json:"min_deposit"`
	MaxDeposit  uint64 `json:"max_deposit"`
	FeeBps      uint16 `json:"fee_bps"`
	TimestampUs int64  `json:"timestamp_us"`
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var req updateConfigRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	admin, ok := parsePubkeyField(w, "admin", req.Admin)
	if !ok {
		return
	}
	var oracle escrow.Pubkey
	if req.Oracle != "" {
		if oracle, ok = parsePubkeyField(w, "oracle", req.Oracle); !ok {
			return
		}
	}
	hdr, ok := opHeader(w, req.OpID, admin, req.TimestampUs)
	if !ok {
		return
	}

	op := &escrow.UpdateConfig{
		OpHeader:   hdr,
		MinDeposit: req.MinDeposit,
		MaxDeposit: req.MaxDeposit,
		FeeBps:     req.FeeBps,
		Oracle:     oracle,
	}
	result, err := s.submitter.Submit(r.Context(), op)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, opResponse{OpID: hdr.ID.String(), Duplicate: result.Duplicate})
}

type setPausedRequest struct {
	OpID        string `json:"op_id"`
	Admin       string `json:"admin"`
	Paused      bool   `json:"paused"`
	TimestampUs int64  `json:"timestamp_us"`
}

func (s *Server) handleSetPaused(w http.ResponseWriter, r *http.Request) {
	var req setPausedRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	admin, ok := parsePubkeyField(w, "admin", req.Admin)
	if !ok {
		return
	}
	hdr, ok := opHeader(w, req.OpID, admin, req.TimestampUs)
	if !ok {
		return
	}

	op := &escrow.SetPaused{OpHeader: hdr, Paused: req.Paused}
	result, err := s.submitter.Submit(r.Context(), op)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, opResponse{OpID: hdr.ID.String(), Duplicate: result.Duplicate})
}

type fundWalletRequest struct {
	OpID        string `json:"op_id"`
	Admin       string `json:"admin"`
	Owner       string `json:"owner"`
	Amount      uint64 `json:"amount"`
	TimestampUs int64  `json:"timestamp_us"`
}

// handleFundWallet records an off-ledger transfer as wallet credit. The
// funded wallet is the source a later deposit draws from.
func (s *Server) handleFundWallet(w http.ResponseWriter, r *http.Request) {
	var req fundWalletRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	admin, ok := parsePubkeyField(w, "admin", req.Admin)
	if !ok {
		return
	}
	owner, ok := parsePubkeyField(w, "owner", req.Owner)
	if !ok {
		return
	}
	hdr, ok := opHeader(w, req.OpID, admin, req.TimestampUs)
	if !ok {
		return
	}

	op := &escrow.FundWallet{OpHeader: hdr, Owner: owner, Amount: req.Amount}
	result, err := s.submitter.Submit(r.Context(), op)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, opResponse{OpID: hdr.ID.String(), Duplicate: result.Duplicate})
}

// ============================================================================
// Read queries
// ============================================================================

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	owner, ok := parsePubkeyField(w, "owner", chi.URLParam(r, "owner"))
	if !ok {
		return
	}
	resp, err := s.queries.GetBalance(r.Context(), owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListPools(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	limit := queryLimit(r, 50, 200)

	pools, err := s.queries.ListMatchPools(r.Context(), status, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"pools": pools})
}

func (s *Server) handleGetPool(w http.ResponseWriter, r *http.Request) {
	resp, err := s.queries.GetMatchPool(r.Context(), chi.URLParam(r, "matchID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetOdds(w http.ResponseWriter, r *http.Request) {
	resp, err := s.queries.GetOdds(r.Context(), chi.URLParam(r, "matchID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetMatchBets(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 100, 500)

	var afterIndex *int32
	if v := r.URL.Query().Get("after_index"); v != "" {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "ValidationError", "invalid after_index")
			return
		}
		idx := int32(n)
		afterIndex = &idx
	}

	bets, err := s.queries.GetMatchBets(r.Context(), chi.URLParam(r, "matchID"), limit, afterIndex)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"bets": bets})
}

func (s *Server) handleGetUserBets(w http.ResponseWriter, r *http.Request) {
	owner, ok := parsePubkeyField(w, "owner", chi.URLParam(r, "owner"))
	if !ok {
		return
	}
	limit := queryLimit(r, 100, 500)

	var afterSeq *int64
	if v := r.URL.Query().Get("after_sequence"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "ValidationError", "invalid after_sequence")
			return
		}
		afterSeq = &n
	}

	bets, err := s.queries.GetUserBets(r.Context(), owner, limit, afterSeq)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"bets": bets})
}

func (s *Server) handlePlatformStats(w http.ResponseWriter, r *http.Request) {
	resp, err := s.queries.GetPlatformStats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ============================================================================
// Helpers
// ============================================================================

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "ValidationError", "invalid request body: "+err.Error())
		return false
	}
	return true
}

func parsePubkeyField(w http.ResponseWriter, field, value string) (escrow.Pubkey, bool) {
	pk, err := escrow.ParsePubkey(value)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "ValidationError", "invalid "+field+": "+err.Error())
		return escrow.Pubkey{}, false
	}
	return pk, true
}

// opHeader builds the header for an HTTP-submitted operation. op_id is
// client-supplied for end-to-end idempotency and generated only when absent;
// a generated id makes a gateway retry a new operation.
func opHeader(w http.ResponseWriter, opID string, authority escrow.Pubkey, tsUs int64) (escrow.OpHeader, bool) {
	id := uuid.New()
	if opID != "" {
		parsed, err := uuid.Parse(opID)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "ValidationError", "invalid op_id: "+err.Error())
			return escrow.OpHeader{}, false
		}
		id = parsed
	}
	if tsUs == 0 {
		tsUs = time.Now().UnixMicro()
	}
	return escrow.OpHeader{ID: id, Authority: authority, Signed: true, Timestamp: tsUs}, true
}

func queryLimit(r *http.Request, def, max int) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 || n > max {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSONError(w http.ResponseWriter, status int, name, msg string) {
	writeJSON(w, status, errorBody{Error: name, Code: name, Message: msg})
}

// writeError maps ledger and query errors onto HTTP statuses. Ledger error
// names are surfaced verbatim so clients can switch on them.
func writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, query.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, "NotFound", "not found")
		return
	}

	var le *escrow.Error
	if errors.As(err, &le) {
		writeJSON(w, statusForCode(le.Code), errorBody{
			Error:   le.Name,
			Code:    le.Code.String(),
			Message: le.Error(),
		})
		return
	}

	writeJSONError(w, http.StatusInternalServerError, "InternalError", err.Error())
}

func statusForCode(code escrow.Code) int {
	switch code {
	case escrow.CodeValidation:
		return http.StatusBadRequest
	case escrow.CodeAuthorization:
		return http.StatusForbidden
	case escrow.CodeInsufficientFunds:
		return http.StatusConflict
	case escrow.CodeStateConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
