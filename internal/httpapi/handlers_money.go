package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/example/escrow-dispatch/internal/apperr"
	"github.com/example/escrow-dispatch/internal/invoice"
	"github.com/example/escrow-dispatch/internal/models"
	"github.com/example/escrow-dispatch/internal/settle"
)

type createInvoiceBody struct {
	Amount   int64            `json:"amount"`
	StartLoc string           `json:"start_loc"`
	EndLoc   string           `json:"end_loc"`
	StartPos *models.Position `json:"start_pos,omitempty"`
	EndPos   *models.Position `json:"end_pos,omitempty"`
	ClientID string           `json:"client_id,omitempty"`
	Notes    string           `json:"notes,omitempty"`
}

func (s *Server) handleCreateInvoice(w http.ResponseWriter, r *http.Request) {
	caller := callerOf(r)
	if caller.ID == "" {
		s.writeError(w, apperr.Validation("missing actor identity"))
		return
	}
	var body createInvoiceBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	inv, err := s.Invoices.Create(invoice.CreateParams{
		ProviderID: caller.ID,
		Amount:     body.Amount,
		StartLoc:   body.StartLoc,
		EndLoc:     body.EndLoc,
		StartPos:   body.StartPos,
		EndPos:     body.EndPos,
		ClientID:   body.ClientID,
		Notes:      body.Notes,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, inv)
}

func (s *Server) handleGetInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := s.Invoices.Get(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func (s *Server) handleSendInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := s.Invoices.Send(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func (s *Server) handlePayInvoice(w http.ResponseWriter, r *http.Request) {
	caller := callerOf(r)
	tx, err := s.Invoices.MarkPaid(mux.Vars(r)["id"], caller.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// Completing an invoice releases the escrow to the provider and closes the
// invoice out. Either party can confirm, mirroring delivery confirmation.
func (s *Server) handleCompleteInvoice(w http.ResponseWriter, r *http.Request) {
	caller := callerOf(r)
	inv, err := s.Invoices.Get(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	if caller.ID != inv.ClientID && caller.ID != inv.ProviderID {
		s.writeError(w, apperr.Validation("only an invoice party can complete it"))
		return
	}
	if inv.EscrowTxID == "" {
		s.writeError(w, apperr.Conflict("invoice %s has no escrow to release", inv.ID))
		return
	}
	var proof *models.Proof
	if r.ContentLength > 0 {
		proof = &models.Proof{}
		if err := decode(r, proof); err != nil {
			s.writeError(w, err)
			return
		}
	}
	if _, err := s.Escrow.Release(inv.EscrowTxID, proof); err != nil {
		s.writeError(w, err)
		return
	}
	out, err := s.Invoices.Complete(inv.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCancelInvoice(w http.ResponseWriter, r *http.Request) {
	caller := callerOf(r)
	inv, err := s.Invoices.Cancel(mux.Vars(r)["id"], caller.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func (s *Server) handleCreateWallet(w http.ResponseWriter, r *http.Request) {
	caller := callerOf(r)
	if caller.ID == "" {
		s.writeError(w, apperr.Validation("missing actor identity"))
		return
	}
	var body struct {
		Currency string `json:"currency,omitempty"`
	}
	if r.ContentLength > 0 {
		if err := decode(r, &body); err != nil {
			s.writeError(w, err)
			return
		}
	}
	wal, err := s.Ledger.CreateWallet(caller.ID, body.Currency)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, wal)
}

func (s *Server) handleGetWallet(w http.ResponseWriter, r *http.Request) {
	wal, err := s.Ledger.Wallet(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wal)
}

func (s *Server) handleWalletEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := s.Ledger.EntriesOf(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Amount    int64  `json:"amount"`
		Reference string `json:"reference,omitempty"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	entry, err := s.Wallets.Deposit(mux.Vars(r)["id"], body.Amount, body.Reference)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ToWalletID string `json:"to_wallet_id"`
		Amount     int64  `json:"amount"`
		Reference  string `json:"reference,omitempty"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	entry, err := s.Wallets.Transfer(mux.Vars(r)["id"], body.ToWalletID, body.Amount, body.Reference)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Amount  int64          `json:"amount"`
		Method  settle.Method  `json:"method"`
		Details settle.Details `json:"details,omitempty"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.Settle.Withdraw(r.Context(), mux.Vars(r)["id"], body.Amount, body.Method, body.Details)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	tx, err := s.Escrow.Get(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// handleEscrowDispute contests a hold directly, which covers invoice-based
// holds that have no request record to dispute through.
func (s *Server) handleEscrowDispute(w http.ResponseWriter, r *http.Request) {
	caller := callerOf(r)
	var body struct {
		Reason      string           `json:"reason"`
		Description string           `json:"description,omitempty"`
		Evidence    *models.Evidence `json:"evidence,omitempty"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	d, err := s.Escrow.Dispute(mux.Vars(r)["id"], caller.ID, body.Reason, body.Description, body.Evidence)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

// Dispute arbitration is operator-only; the auth collaborator sets the role.
func (s *Server) handleInvestigate(w http.ResponseWriter, r *http.Request) {
	if callerOf(r).Role != "arbitrator" {
		s.writeError(w, apperr.Validation("arbitrator role required"))
		return
	}
	d, err := s.Escrow.Disputes().Investigate(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	if callerOf(r).Role != "arbitrator" {
		s.writeError(w, apperr.Validation("arbitrator role required"))
		return
	}
	var body struct {
		Action     models.DisputeAction `json:"action"`
		Resolution string               `json:"resolution,omitempty"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	d, err := s.Escrow.Resolve(mux.Vars(r)["id"], body.Action, body.Resolution)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}
