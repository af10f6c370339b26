package model

import "time"

type PaymentStatus string

const (
	PaymentStatusPending    PaymentStatus = "pending"    // QR code issued, waiting for the payer
	PaymentStatusProcessing PaymentStatus = "processing" // payer scanned, gateway still working
	PaymentStatusCompleted  PaymentStatus = "completed"  // reconciled success, at most once
	PaymentStatusFailed     PaymentStatus = "failed"     // gateway-reported failure
	PaymentStatusRefunded   PaymentStatus = "refunded"
	PaymentStatusCancelled  PaymentStatus = "cancelled" // superseded or closed after QR expiry
)

// IsTerminal reports whether reconciliation must treat the record as settled.
// A cancelled order is not terminal: a late success still means money arrived.
func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentStatusCompleted || s == PaymentStatusFailed
}

// Payment records one merchant order (one displayed QR code).
type Payment struct {
	ID                 string  // merchant order id (ULID)
	TransactionID      *string // gateway id, set on success
	SubscriptionID     string
	UserID             string
	PlanID             string
	Amount             int64 // minor units
	Currency           string
	Status             PaymentStatus
	BillingPeriodStart time.Time
	BillingPeriodEnd   time.Time
	PaidAt             *time.Time
	FailureReason      *string
	RetryCount         int
	QRCodeURL          string
	ExpiresAt          time.Time
	Version            int64
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (p *Payment) Clone() *Payment {
	if p == nil {
		return nil
	}
	cp := *p
	if p.TransactionID != nil {
		v := *p.TransactionID
		cp.TransactionID = &v
	}
	if p.PaidAt != nil {
		v := *p.PaidAt
		cp.PaidAt = &v
	}
	if p.FailureReason != nil {
		v := *p.FailureReason
		cp.FailureReason = &v
	}
	return &cp
}

// Complete stamps a successful settlement.
func (p *Payment) Complete(transactionID string, paidAt time.Time, now time.Time) {
	p.Status = PaymentStatusCompleted
	if transactionID != "" {
		tx := transactionID
		p.TransactionID = &tx
	}
	at := paidAt
	p.PaidAt = &at
	p.FailureReason = nil
	p.UpdatedAt = now
}

// Fail stamps a gateway-reported failure.
func (p *Payment) Fail(reason string, now time.Time) {
	p.Status = PaymentStatusFailed
	r := reason
	p.FailureReason = &r
	p.UpdatedAt = now
}

// Cancel closes an order nobody paid for. It is not terminal: a late success
// report is still honoured.
func (p *Payment) Cancel(reason string, now time.Time) {
	p.Status = PaymentStatusCancelled
	r := reason
	p.FailureReason = &r
	p.UpdatedAt = now
}

// Open reports whether the order may still be paid through its QR code.
func (s PaymentStatus) Open() bool {
	return s == PaymentStatusPending || s == PaymentStatusProcessing
}

// EventSource names the producer that delivered a payment outcome.
type EventSource string

const (
	SourceWebhook     EventSource = "webhook"
	SourcePoll        EventSource = "poll"
	SourceStatusQuery EventSource = "status_query"
	SourceSweep       EventSource = "sweep"
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	// OutcomePending is only produced by status queries for orders the
	// gateway still reports as unpaid.
	OutcomePending Outcome = "pending"
)

// PaymentEvent is the normalized gateway outcome shared by push and pull.
type PaymentEvent struct {
	OrderID       string
	TransactionID *string
	Outcome       Outcome
	AmountPaid    *int64
	Currency      string
	PaidAt        *time.Time
	FailureReason *string
}

// PaymentAudit is one row of the transition log written with each change.
type PaymentAudit struct {
	PaymentID      string
	SubscriptionID string
	From           PaymentStatus
	To             PaymentStatus
	Source         EventSource
	Note           string
	At             time.Time
}
