// Package httpapi is the thin HTTP surface over the core services. Identity
// comes from the auth collaborator as trusted X-Actor headers; validation
// here is shape-level only, the services enforce the real rules.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/escrow-dispatch/internal/apperr"
	"github.com/example/escrow-dispatch/internal/dispatch"
	"github.com/example/escrow-dispatch/internal/escrow"
	"github.com/example/escrow-dispatch/internal/geo"
	"github.com/example/escrow-dispatch/internal/ingest"
	"github.com/example/escrow-dispatch/internal/invoice"
	"github.com/example/escrow-dispatch/internal/ledger"
	"github.com/example/escrow-dispatch/internal/notify"
	"github.com/example/escrow-dispatch/internal/settle"
)

type Server struct {
	Geo        geo.Index
	Dispatcher *dispatch.Service
	Escrow     *escrow.Engine
	Invoices   *invoice.Registry
	Ledger     ledger.Store
	Wallets    *ledger.Service
	Settle     *settle.Service
	Kafka      *ingest.KafkaProducer
	WSReg      *notify.WSRegistry

	logger *slog.Logger
	mux    *mux.Router
}

type Deps struct {
	Geo        geo.Index
	Dispatcher *dispatch.Service
	Escrow     *escrow.Engine
	Invoices   *invoice.Registry
	Ledger     ledger.Store
	Wallets    *ledger.Service
	Settle     *settle.Service
	Kafka      *ingest.KafkaProducer
	WSReg      *notify.WSRegistry
	Logger     *slog.Logger
}

func NewServer(d Deps) *Server {
	s := &Server{
		Geo: d.Geo, Dispatcher: d.Dispatcher, Escrow: d.Escrow, Invoices: d.Invoices,
		Ledger: d.Ledger, Wallets: d.Wallets, Settle: d.Settle, Kafka: d.Kafka,
		WSReg: d.WSReg, logger: d.Logger, mux: mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/internal/provider/heartbeat", s.handleHeartbeat).Methods("POST")
	s.mux.HandleFunc("/api/v1/providers/nearby", s.handleNearbyProviders).Methods("GET")

	s.mux.HandleFunc("/api/v1/requests", s.handleCreateRequest).Methods("POST")
	s.mux.HandleFunc("/api/v1/requests/{id}", s.handleGetRequest).Methods("GET")
	s.mux.HandleFunc("/api/v1/requests/{id}/accept", s.handleAcceptRequest).Methods("POST")
	s.mux.HandleFunc("/api/v1/requests/{id}/pickup", s.handlePickup).Methods("POST")
	s.mux.HandleFunc("/api/v1/requests/{id}/deliver", s.handleDeliver).Methods("POST")
	s.mux.HandleFunc("/api/v1/requests/{id}/cancel", s.handleCancel).Methods("POST")
	s.mux.HandleFunc("/api/v1/requests/{id}/dispute", s.handleRequestDispute).Methods("POST")

	s.mux.HandleFunc("/api/v1/invoices", s.handleCreateInvoice).Methods("POST")
	s.mux.HandleFunc("/api/v1/invoices/{id}", s.handleGetInvoice).Methods("GET")
	s.mux.HandleFunc("/api/v1/invoices/{id}/send", s.handleSendInvoice).Methods("POST")
	s.mux.HandleFunc("/api/v1/invoices/{id}/pay", s.handlePayInvoice).Methods("POST")
	s.mux.HandleFunc("/api/v1/invoices/{id}/complete", s.handleCompleteInvoice).Methods("POST")
	s.mux.HandleFunc("/api/v1/invoices/{id}/cancel", s.handleCancelInvoice).Methods("POST")

	s.mux.HandleFunc("/api/v1/wallets", s.handleCreateWallet).Methods("POST")
	s.mux.HandleFunc("/api/v1/wallets/{id}", s.handleGetWallet).Methods("GET")
	s.mux.HandleFunc("/api/v1/wallets/{id}/entries", s.handleWalletEntries).Methods("GET")
	s.mux.HandleFunc("/api/v1/wallets/{id}/deposit", s.handleDeposit).Methods("POST")
	s.mux.HandleFunc("/api/v1/wallets/{id}/transfer", s.handleTransfer).Methods("POST")
	s.mux.HandleFunc("/api/v1/wallets/{id}/withdraw", s.handleWithdraw).Methods("POST")

	s.mux.HandleFunc("/api/v1/escrow/{id}", s.handleGetEscrow).Methods("GET")
	s.mux.HandleFunc("/api/v1/escrow/{id}/dispute", s.handleEscrowDispute).Methods("POST")
	s.mux.HandleFunc("/api/v1/disputes/{id}/investigate", s.handleInvestigate).Methods("POST")
	s.mux.HandleFunc("/api/v1/disputes/{id}/resolve", s.handleResolve).Methods("POST")

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{principal_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// principal is the authenticated caller, supplied by the auth collaborator
// upstream. The core trusts it as given.
type principal struct {
	ID   string
	Role string
}

func callerOf(r *http.Request) principal {
	return principal{ID: r.Header.Get("X-Actor-ID"), Role: r.Header.Get("X-Actor-Role")}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, apperr.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, apperr.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, apperr.ErrConflict), errors.Is(err, apperr.ErrExpired):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, apperr.ErrInsufficientFunds):
		http.Error(w, err.Error(), http.StatusPaymentRequired)
	case errors.Is(err, apperr.ErrExternal):
		http.Error(w, err.Error(), http.StatusBadGateway)
	default:
		// internal: log the full chain, hand out only the correlation id
		s.logger.Error("internal error", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["principal_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	s.WSReg.Add(id, conn)
}
