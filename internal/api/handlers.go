package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/Klumaks/Link2Pay/internal/domain"
)

type registerRequest struct {
	PhoneNumber string `json:"phone_number"`
	OwnerName   string `json:"pam"`
}

type lookupRequest struct {
	Phone string `json:"phone"`
}

type accountResponse struct {
	Account string `json:"account"`
}

type createLinkRequest struct {
	RecipientAccount string          `json:"account_recipient"`
	Amount           decimal.Decimal `json:"amount"`
	BankRecipient    string          `json:"bank_recipient"`
	PayMessage       *string         `json:"pay_message"`
	Additionally     *string         `json:"additionally"`
	Disposable       bool            `json:"disposable"`
}

type createLinkResponse struct {
	ID  int64  `json:"id"`
	URL string `json:"url"`
}

type redeemRequest struct {
	Payer string `json:"payer"`
}

func (s *Server) registerAccount(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.OwnerName) == "" {
		s.fail(w, r, &domain.ValidationError{Field: "pam", Reason: "required"})
		return
	}
	acc, err := s.accounts.Register(r.Context(), req.PhoneNumber, req.OwnerName)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, accountResponse{Account: acc})
}

func (s *Server) lookupAccount(w http.ResponseWriter, r *http.Request) {
	var req lookupRequest
	if !decode(w, r, &req) {
		return
	}
	acc, err := s.accounts.FindByPhone(r.Context(), req.Phone)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, accountResponse{Account: acc})
}

func (s *Server) createLink(w http.ResponseWriter, r *http.Request) {
	var req createLinkRequest
	if !decode(w, r, &req) {
		return
	}
	id, err := s.links.CreateLink(r.Context(), domain.NewLink{
		RecipientAccount: req.RecipientAccount,
		Amount:           req.Amount,
		BankRecipient:    req.BankRecipient,
		PayMessage:       req.PayMessage,
		Additionally:     req.Additionally,
		Disposable:       req.Disposable,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, createLinkResponse{ID: id, URL: s.linkURL(id)})
}

func (s *Server) getLink(w http.ResponseWriter, r *http.Request) {
	id, ok := linkID(w, r)
	if !ok {
		return
	}
	v, err := s.links.GetLinkData(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// redeemLink consumes the link and, once the redemption is committed, hands
// the messages to the notifier without waiting for them.
func (s *Server) redeemLink(w http.ResponseWriter, r *http.Request) {
	id, ok := linkID(w, r)
	if !ok {
		return
	}
	var req redeemRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}

	red, err := s.links.Redeem(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.log.Info("link redeemed", "link_id", id, "redemption_id", red.ID, "disposable", red.Disposable)

	t, err := s.transfers.GetTransferByLink(r.Context(), id)
	switch {
	case err == nil:
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.notifyTimeout)
		s.fanout.Add(1)
		go func() {
			defer s.fanout.Done()
			defer cancel()
			s.notifier.NotifyRedeemed(ctx, red, t, req.Payer)
		}()
	case errors.Is(err, domain.ErrNotFound):
		s.log.Debug("redeemed link has no transfer", "link_id", id)
	default:
		s.log.Warn("transfer lookup after redeem", "link_id", id, "error", err)
	}

	writeJSON(w, http.StatusOK, red)
}

func (s *Server) transferByLink(w http.ResponseWriter, r *http.Request) {
	id, ok := linkID(w, r)
	if !ok {
		return
	}
	t, err := s.transfers.GetTransferByLink(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func linkID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid link id")
		return 0, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return false
	}
	return true
}
