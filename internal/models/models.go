package models

import (
	"time"

	"github.com/google/uuid"
)

// NewID returns a fresh identifier for any domain record.
func NewID() string { return uuid.NewString() }

// Position is an immutable point fix reported by a provider or a client.
type Position struct {
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Accuracy  float64   `json:"accuracy,omitempty"` // meters
	Timestamp time.Time `json:"timestamp"`
}

type ProviderStatus string

const (
	ProviderOffline ProviderStatus = "offline"
	ProviderOnline  ProviderStatus = "online"
	ProviderBusy    ProviderStatus = "busy"
	ProviderOnJob   ProviderStatus = "on_job"
)

type VehicleClass string

const (
	VehicleMoto  VehicleClass = "moto"
	VehicleBike  VehicleClass = "bike"
	VehicleCar   VehicleClass = "car"
	VehicleTruck VehicleClass = "truck"
)

// Provider is a courier/driver known to the geo index. Position and status are
// mutated only by the provider's own heartbeat and by the dispatcher claiming
// or freeing it for a job.
type Provider struct {
	ID        string         `json:"id"`
	Name      string         `json:"name,omitempty"`
	Pos       *Position      `json:"pos,omitempty"` // nil when unknown
	Available bool           `json:"available"`
	Status    ProviderStatus `json:"status"`
	Vehicle   VehicleClass   `json:"vehicle,omitempty"`
	Rating    float64        `json:"rating"` // 0..5
	Earnings  int64          `json:"earnings"`
	Updated   time.Time      `json:"updated"`
}

type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestAccepted  RequestStatus = "accepted"
	RequestPickedUp  RequestStatus = "picked_up"
	RequestDelivered RequestStatus = "delivered"
	RequestCancelled RequestStatus = "cancelled"
	RequestDisputed  RequestStatus = "disputed"
)

// Terminal reports whether no further transition is allowed from s.
func (s RequestStatus) Terminal() bool {
	return s == RequestDelivered || s == RequestCancelled || s == RequestDisputed
}

// Proof is an optional proof-of-completion payload attached at delivery.
type Proof struct {
	PhotoRef  string    `json:"photo_ref,omitempty"`
	Pos       *Position `json:"pos,omitempty"`
	Signature string    `json:"signature,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Request is a delivery or transport job. Status moves strictly forward along
// pending -> accepted -> picked_up -> delivered, with cancelled/disputed
// reachable once from any non-terminal state.
type Request struct {
	ID             string        `json:"id"`
	ClientID       string        `json:"client_id"`
	PickupAddr     string        `json:"pickup_addr"`
	DropoffAddr    string        `json:"dropoff_addr"`
	Pickup         Position      `json:"pickup"`
	Dropoff        Position      `json:"dropoff"`
	DistanceMeters float64       `json:"distance_meters"`
	EstimatedSec   float64       `json:"estimated_sec,omitempty"`
	Price          int64         `json:"price"` // minor units
	Fee            int64         `json:"fee"`
	TotalPrice     int64         `json:"total_price"`
	Status         RequestStatus `json:"status"`
	ProviderID     string        `json:"provider_id,omitempty"`
	EscrowTxID     string        `json:"escrow_tx_id,omitempty"`
	Proof          *Proof        `json:"proof,omitempty"`
	Notes          string        `json:"notes,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	AcceptedAt     time.Time     `json:"accepted_at,omitempty"`
	PickedUpAt     time.Time     `json:"picked_up_at,omitempty"`
	DeliveredAt    time.Time     `json:"delivered_at,omitempty"`
	CancelledAt    time.Time     `json:"cancelled_at,omitempty"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

type InvoiceStatus string

const (
	InvoiceDraft     InvoiceStatus = "draft"
	InvoiceSent      InvoiceStatus = "sent"
	InvoicePaid      InvoiceStatus = "paid"
	InvoiceCompleted InvoiceStatus = "completed"
	InvoiceCancelled InvoiceStatus = "cancelled"
)

// Invoice is a provider-initiated ad-hoc payment link that becomes an escrow
// hold once a client pays it. Past ExpiresAt it can never transition to paid.
type Invoice struct {
	ID          string        `json:"id"`
	ProviderID  string        `json:"provider_id"`
	ClientID    string        `json:"client_id,omitempty"`
	Amount      int64         `json:"amount"`
	Description string        `json:"description"`
	StartLoc    string        `json:"start_loc"`
	EndLoc      string        `json:"end_loc"`
	StartPos    *Position     `json:"start_pos,omitempty"`
	EndPos      *Position     `json:"end_pos,omitempty"`
	Status      InvoiceStatus `json:"status"`
	PaymentLink string        `json:"payment_link"`
	EscrowTxID  string        `json:"escrow_tx_id,omitempty"`
	Notes       string        `json:"notes,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	ExpiresAt   time.Time     `json:"expires_at"`
}

type EscrowStatus string

const (
	EscrowPending  EscrowStatus = "pending"
	EscrowReleased EscrowStatus = "released"
	EscrowRefunded EscrowStatus = "refunded"
	EscrowDisputed EscrowStatus = "disputed"
)

// EscrowTransaction links a request or invoice to the funds held for it.
// Exactly one of released/refunded is reachable from pending; disputed
// resolves into one of the two. Terminal transactions are immutable.
type EscrowTransaction struct {
	ID          string       `json:"id"`
	RefID       string       `json:"ref_id"` // request or invoice id
	ClientID    string       `json:"client_id"`
	ProviderID  string       `json:"provider_id"`
	Amount      int64        `json:"amount"`
	FeeBps      int64        `json:"fee_bps"`
	FeeAmount   int64        `json:"fee_amount"`
	TotalAmount int64        `json:"total_amount"`
	Status      EscrowStatus `json:"status"`
	Proof       *Proof       `json:"proof,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	ReleasedAt  time.Time    `json:"released_at,omitempty"`
	RefundedAt  time.Time    `json:"refunded_at,omitempty"`
	DisputedAt  time.Time    `json:"disputed_at,omitempty"`
}

type WalletStatus string

const (
	WalletActive    WalletStatus = "active"
	WalletSuspended WalletStatus = "suspended"
)

// Wallet holds a cached balance in minor currency units. The append-only
// ledger is the source of truth; Balance must always equal the sum of
// completed entries affecting the wallet.
type Wallet struct {
	ID        string       `json:"id"`
	OwnerID   string       `json:"owner_id"`
	Balance   int64        `json:"balance"`
	Currency  string       `json:"currency"`
	Status    WalletStatus `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

type EntryKind string

const (
	EntryDeposit      EntryKind = "deposit"
	EntryWithdrawal   EntryKind = "withdrawal"
	EntryTransfer     EntryKind = "transfer"
	EntryCommission   EntryKind = "commission"
	EntryEscrowHold   EntryKind = "escrow_hold"
	EntryEscrowFree   EntryKind = "escrow_release"
	EntryEscrowRefund EntryKind = "escrow_refund"
	EntryReversal     EntryKind = "reversal"
)

type EntryStatus string

const (
	EntryPending   EntryStatus = "pending"
	EntryCompleted EntryStatus = "completed"
	EntryFailed    EntryStatus = "failed"
)

// LedgerEntry records a single fund movement. Entries are append-only; a
// failed external settlement flips Status to failed and a compensating entry
// restores the balance, nothing else is ever rewritten.
type LedgerEntry struct {
	ID          string      `json:"id"`
	Kind        EntryKind   `json:"kind"`
	Amount      int64       `json:"amount"`
	Fee         int64       `json:"fee"`
	NetAmount   int64       `json:"net_amount"`
	SourceID    string      `json:"source_id,omitempty"` // wallet ids
	DestID      string      `json:"dest_id,omitempty"`
	RefID       string      `json:"ref_id,omitempty"` // escrow tx / settlement reference
	Status      EntryStatus `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
	CompletedAt time.Time   `json:"completed_at,omitempty"`
}

type DisputeStatus string

const (
	DisputeOpen          DisputeStatus = "open"
	DisputeInvestigating DisputeStatus = "investigating"
	DisputeResolved      DisputeStatus = "resolved"
	DisputeClosed        DisputeStatus = "closed"
)

// DisputeAction is the arbitrator's decision on the frozen funds.
type DisputeAction string

const (
	ActionRelease DisputeAction = "release"
	ActionRefund  DisputeAction = "refund"
)

// Evidence bundles whatever the raiser attached when contesting a delivery.
type Evidence struct {
	Photos      []string   `json:"photos,omitempty"`
	Messages    []string   `json:"messages,omitempty"`
	Coordinates []Position `json:"coordinates,omitempty"`
}

// Dispute is a contested escrow transaction awaiting arbitration. It is
// resolved by an arbitrator, never by either counterparty.
type Dispute struct {
	ID          string        `json:"id"`
	TxID        string        `json:"tx_id"`
	RaiserID    string        `json:"raiser_id"`
	Reason      string        `json:"reason"`
	Description string        `json:"description,omitempty"`
	Evidence    *Evidence     `json:"evidence,omitempty"`
	Status      DisputeStatus `json:"status"`
	Resolution  string        `json:"resolution,omitempty"`
	Action      DisputeAction `json:"action,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	ResolvedAt  time.Time     `json:"resolved_at,omitempty"`
}

// Heartbeat is what providers publish on the ingest topic and POST to the
// heartbeat endpoint.
type Heartbeat struct {
	ProviderID string         `json:"provider_id"`
	Pos        Position       `json:"pos"`
	Status     ProviderStatus `json:"status"`
	Available  bool           `json:"available"`
	Vehicle    VehicleClass   `json:"vehicle,omitempty"`
	Rating     float64        `json:"rating,omitempty"`
}
