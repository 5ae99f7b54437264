package api

import (
	"errors"
	"net/http"
	"time"

	"rental-ops/internal/models"
	"rental-ops/internal/ratelimit"
	"rental-ops/internal/reconcile"
	"rental-ops/internal/store"
)

// consumedWindow bounds how far back recorded payments are loaded to exclude
// their transactions; the ledger window is far shorter.
const consumedWindow = 90 * 24 * time.Hour

type verifyPaymentResponse struct {
	reconcile.Result
	Recorded        bool `json:"recorded"`
	AlreadyRecorded bool `json:"alreadyRecorded,omitempty"`
}

func (s *Server) handleVerifyPayment(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, ratelimit.ScopeLedger, tenantFromRequest(r)) {
		return
	}
	contract, ok := s.loadContract(w, r)
	if !ok {
		return
	}

	consumed, err := s.store.ConsumedTransactionIDs(r.Context(), time.Now().Add(-consumedWindow))
	if err != nil {
		s.logger.Error("load consumed transactions", "subject_id", contract.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "load payments failed")
		return
	}

	amount := contract.ExpectedAmount
	if amount <= 0 {
		amount = contract.MonthlyRent
	}
	res := s.verifier.Verify(r.Context(), reconcile.ExpectedPayment{
		SubjectID: contract.ID,
		Reference: contract.PaymentReference,
		Amount:    amount,
		Exclude: func(txID string) bool {
			owner, ok := consumed[txID]
			return ok && owner != contract.ID
		},
	})

	if !res.Success {
		writeJSON(w, verifyStatus(res), verifyPaymentResponse{Result: res})
		return
	}

	out := verifyPaymentResponse{Result: res}
	if consumed[res.TransactionID] == contract.ID {
		out.AlreadyRecorded = true
		writeJSON(w, http.StatusOK, out)
		return
	}

	payment := models.Payment{
		ContractID:    contract.ID,
		TransactionID: res.TransactionID,
		Amount:        res.MatchedAmount,
	}
	if res.TransactionDate != nil {
		payment.PaidAt = *res.TransactionDate
	}
	if res.Metadata != nil {
		payment.BankCode = res.Metadata.BankCode
		payment.AccountNumber = res.Metadata.AccountNumber
		payment.Narrative = res.Metadata.Narrative
	}
	if _, err := s.store.RecordPayment(r.Context(), payment); err != nil {
		if errors.Is(err, store.ErrTransactionConsumed) {
			writeError(w, http.StatusConflict, "transaction already recorded for another contract")
			return
		}
		s.logger.Error("record payment", "subject_id", contract.ID, "transaction_id", res.TransactionID, "error", err)
		writeError(w, http.StatusInternalServerError, "record payment failed")
		return
	}
	out.Recorded = true
	s.audit(r.Context(), contract.ID, "payment_recorded", "transaction="+res.TransactionID)
	writeJSON(w, http.StatusOK, out)
}

// verifyStatus separates "not received yet" from "cannot check".
func verifyStatus(res reconcile.Result) int {
	switch res.Reason {
	case reconcile.ReasonLedgerUnavailable, reconcile.ReasonLookupFailed:
		return http.StatusServiceUnavailable
	case reconcile.ReasonNoAccount, reconcile.ReasonMissingReference:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusOK
	}
}
