package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"betlink-server/internal/commission"
	"betlink-server/internal/dedup"
	"betlink-server/internal/observability"
	"betlink-server/internal/store"

	"github.com/shopspring/decimal"
)

var (
	ErrValidation        = errors.New("postback validation failed")
	ErrInvalidToken      = errors.New("invalid security token")
	ErrHouseNotFound     = errors.New("house not found")
	ErrAffiliateNotFound = errors.New("affiliate not found")
	ErrProcessingFailed  = errors.New("postback processing failed")
)

type PostbackProcessor struct {
	store  PostbackStore
	guard  dedup.Guard
	logger *observability.Logger
}

func New(store PostbackStore, guard dedup.Guard, logger *observability.Logger) PostbackProcessor {
	return PostbackProcessor{
		store:  store,
		guard:  guard,
		logger: logger,
	}
}

// Request is one incoming postback as received on the wire, before any
// validation.
type Request struct {
	HouseIdentifier string
	EventType       string
	Subid           string
	Amount          string // raw decimal string, may be empty
	CustomerID      string
	Token           string
	IPAddress       string
	RawRequest      string
}

// Response is the result of an ingestion attempt. LogID is set as soon as
// the audit row exists, including on error paths, so that senders can quote
// it to support.
type Response struct {
	Commission decimal.Decimal      `json:"commission"`
	Type       store.CommissionType `json:"type"`
	Affiliate  string               `json:"affiliate"`
	House      string               `json:"house"`
	Event      string               `json:"event"`
	LogID      int64                `json:"logId"`
	Duplicate  bool                 `json:"duplicate,omitempty"`
	Reason     string               `json:"reason,omitempty"`
}

// Process runs one postback through the full ingestion pipeline:
// log(PROCESSING) -> validate -> resolve house -> resolve affiliate ->
// dedup -> evaluate commission -> persist conversion -> log terminal status.
// Every attempt leaves exactly one audit row in a terminal status.
func (p *PostbackProcessor) Process(ctx context.Context, req Request) (Response, error) {
	ctx = observability.WithFields(ctx,
		observability.Field{Key: "house_identifier", Value: req.HouseIdentifier},
		observability.Field{Key: "event_type", Value: req.EventType},
		observability.Field{Key: "subid", Value: req.Subid},
	)

	// The audit row is written before any validation so that even malformed
	// requests leave a forensic trace with the raw request and source IP.
	logRow, err := p.store.CreatePostbackLog(ctx, store.CreatePostbackLogParams{
		HouseIdentifier: req.HouseIdentifier,
		EventType:       req.EventType,
		Subid:           req.Subid,
		RawValue:        optional(req.Amount),
		CustomerID:      optional(req.CustomerID),
		IPAddress:       req.IPAddress,
		RawRequest:      req.RawRequest,
	})
	if err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrProcessingFailed, err)
	}
	ctx = observability.WithFields(ctx, observability.Field{Key: "postback_log_id", Value: logRow.ID})

	// The row must never stay at PROCESSING, whatever happens below.
	status := store.PostbackLogStatusProcessingError
	defer func() {
		if updateErr := p.store.UpdatePostbackLogStatus(ctx, logRow.ID, status); updateErr != nil {
			p.logger.Error(ctx, "failed to finalize postback log status", updateErr)
		}
	}()

	resp, terminal, err := p.process(ctx, req, logRow.ID)
	status = terminal
	return resp, err
}

func (p *PostbackProcessor) process(ctx context.Context, req Request, logID int64) (Response, store.PostbackLogStatus, error) {
	resp := Response{LogID: logID, Event: req.EventType}

	// Required-field validation
	if req.HouseIdentifier == "" {
		return resp, store.PostbackLogStatusValidation, fmt.Errorf("%w: house identifier is required", ErrValidation)
	}
	if req.EventType == "" {
		return resp, store.PostbackLogStatusValidation, fmt.Errorf("%w: event type is required", ErrValidation)
	}
	if !store.IsValidEventType(req.EventType) {
		return resp, store.PostbackLogStatusValidation, fmt.Errorf("%w: unknown event type %q", ErrValidation, req.EventType)
	}
	if req.Subid == "" {
		return resp, store.PostbackLogStatusValidation, fmt.Errorf("%w: subid is required", ErrValidation)
	}

	amount := decimal.Zero
	if req.Amount != "" {
		parsed, err := decimal.NewFromString(req.Amount)
		if err != nil {
			return resp, store.PostbackLogStatusValidation, fmt.Errorf("%w: amount %q is not a number", ErrValidation, req.Amount)
		}
		amount = parsed
	}
	eventType := store.EventType(req.EventType)

	// Resolve house
	house, err := p.store.GetHouseByIdentifier(ctx, req.HouseIdentifier)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return resp, store.PostbackLogStatusHouseNotFound, ErrHouseNotFound
		}
		p.logger.Error(ctx, "failed to resolve house", err)
		return resp, store.PostbackLogStatusProcessingError, fmt.Errorf("%w: %v", ErrProcessingFailed, err)
	}
	resp.House = house.Name
	resp.Type = house.CommissionType

	// Houses with a configured security token require it on every postback
	if house.SecurityToken != nil && *house.SecurityToken != "" && req.Token != *house.SecurityToken {
		return resp, store.PostbackLogStatusValidation, ErrInvalidToken
	}

	// Resolve affiliate by subid
	affiliate, err := p.store.GetAffiliateByUsername(ctx, req.Subid)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return resp, store.PostbackLogStatusAffiliateNotFound, ErrAffiliateNotFound
		}
		p.logger.Error(ctx, "failed to resolve affiliate", err)
		return resp, store.PostbackLogStatusProcessingError, fmt.Errorf("%w: %v", ErrProcessingFailed, err)
	}
	resp.Affiliate = affiliate.Username

	customerID := optional(req.CustomerID)

	// Duplicate events are an idempotent success with zero commission, so
	// at-least-once upstream delivery never double-pays.
	duplicate, err := p.guard.IsDuplicate(ctx, house.ID, customerID, eventType)
	if err != nil {
		return resp, store.PostbackLogStatusProcessingError, fmt.Errorf("%w: %v", ErrProcessingFailed, err)
	}
	if duplicate {
		p.logger.Info(ctx, "duplicate postback ignored")
		resp.Duplicate = true
		resp.Commission = decimal.Zero
		return resp, store.PostbackLogStatusSuccess, nil
	}

	cpaPaid, err := p.guard.HasCPABeenPaid(ctx, house.ID, customerID)
	if err != nil {
		return resp, store.PostbackLogStatusProcessingError, fmt.Errorf("%w: %v", ErrProcessingFailed, err)
	}

	result := commission.Evaluate(commission.Input{
		House:          house,
		EventType:      eventType,
		Amount:         amount,
		CPAAlreadyPaid: cpaPaid,
	})
	resp.Reason = result.Reason

	metadata := store.JSONB{
		"source":      "postback",
		"raw_request": req.RawRequest,
		"breakdown":   result.Breakdown,
	}
	if result.Reason != "" {
		metadata["reason"] = result.Reason
	}

	conversion, err := p.store.CreateConversion(ctx, store.CreateConversionParams{
		AffiliateID:         affiliate.ID,
		HouseID:             house.ID,
		EventType:           eventType,
		CustomerID:          customerID,
		Amount:              amount,
		AffiliateCommission: result.AffiliateCommission,
		MasterCommission:    result.MasterCommission,
		CPAPaid:             result.CPAPaid,
		Metadata:            metadata,
		ConvertedAt:         time.Now().UTC(),
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicateConversion) {
			// Lost the race against a concurrent identical postback; treat
			// exactly like a guard-detected duplicate.
			p.logger.Info(ctx, "concurrent duplicate postback ignored")
			resp.Duplicate = true
			resp.Commission = decimal.Zero
			resp.Reason = ""
			return resp, store.PostbackLogStatusSuccess, nil
		}
		return resp, store.PostbackLogStatusProcessingError, fmt.Errorf("%w: %v", ErrProcessingFailed, err)
	}

	resp.Commission = conversion.AffiliateCommission
	p.logger.Info(ctx, "postback processed")
	return resp, store.PostbackLogStatusSuccess, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
