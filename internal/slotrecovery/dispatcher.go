package slotrecovery

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/bookflow-platform/internal/appointments"
	"github.com/wolfman30/bookflow-platform/internal/notify"
	"github.com/wolfman30/bookflow-platform/internal/observability/metrics"
	"github.com/wolfman30/bookflow-platform/pkg/logging"
)

// DispatchConfig tunes offer fan-out.
type DispatchConfig struct {
	// Fanout is how many customers get an offer per round.
	Fanout int
	// OfferTTL is how long an offer stays claimable.
	OfferTTL time.Duration
	// ExcludeRiskTier drops risk-tier customers from candidate lists.
	ExcludeRiskTier bool
	// CandidatePool caps how many ranked candidates one round considers.
	CandidatePool int
}

func (c DispatchConfig) withDefaults() DispatchConfig {
	if c.Fanout <= 0 {
		c.Fanout = 3
	}
	if c.OfferTTL <= 0 {
		c.OfferTTL = 15 * time.Minute
	}
	if c.CandidatePool <= 0 {
		c.CandidatePool = 50
	}
	return c
}

// Dispatcher runs offer rounds: it ranks a shop's customers for a freshly
// opened slot and texts the top Fanout of them a claim invitation.
type Dispatcher struct {
	store    *Store
	appts    *appointments.Store
	cooldown *Cooldown
	sms      notify.SMSSender
	cfg      DispatchConfig
	metrics  *metrics.RecoveryMetrics
	logger   *logging.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// NewDispatcher wires the dispatcher. cooldown, sms, and mets may be nil;
// with a nil sms sender offers are recorded but nothing is texted, which is
// only useful in tests.
func NewDispatcher(store *Store, apptStore *appointments.Store, cooldown *Cooldown, sms notify.SMSSender, cfg DispatchConfig, mets *metrics.RecoveryMetrics, logger *logging.Logger) *Dispatcher {
	if store == nil || apptStore == nil {
		panic("slotrecovery: store and appointment store are required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Dispatcher{
		store:    store,
		appts:    apptStore,
		cooldown: cooldown,
		sms:      sms,
		cfg:      cfg.withDefaults(),
		metrics:  mets,
		logger:   logger,
		tracer:   otel.Tracer("slotrecovery"),
		now:      time.Now,
	}
}

// RunRound offers an opening to the next Fanout eligible customers. Already
// offered customers, cooled-down customers, and the customer who freed the
// slot are skipped. Safe to rerun: the per-(opening, customer) uniqueness
// makes repeat inserts no-ops.
func (d *Dispatcher) RunRound(ctx context.Context, opening *Opening) (int, error) {
	ctx, span := d.tracer.Start(ctx, "slotrecovery.RunRound")
	defer span.End()
	span.SetAttributes(attribute.String("bookflow.opening_id", opening.ID.String()))

	now := d.now()
	if opening.Status != OpeningOpen || !opening.StartAt.After(now) {
		return 0, nil
	}

	source, err := d.appts.GetByID(ctx, opening.SourceAppointmentID)
	if err != nil {
		return 0, fmt.Errorf("slotrecovery: load source appointment: %w", err)
	}

	offered, err := d.store.OfferedCustomerIDs(ctx, opening.ID)
	if err != nil {
		return 0, err
	}

	candidates, err := d.store.ListCandidates(ctx, opening.ShopID, source.CustomerID, d.cfg.ExcludeRiskTier, opening.StartAt, opening.EndAt, d.cfg.CandidatePool)
	if err != nil {
		return 0, err
	}

	expiresAt := now.Add(d.cfg.OfferTTL)
	if expiresAt.After(opening.StartAt) {
		expiresAt = opening.StartAt
	}

	sent := 0
	for i := range candidates {
		if sent >= d.cfg.Fanout {
			break
		}
		cand := &candidates[i]
		if _, ok := offered[cand.CustomerID]; ok {
			continue
		}
		if d.cooldown != nil && d.cooldown.Active(ctx, opening.ShopID, cand.CustomerID) {
			continue
		}

		offer := &Offer{
			OpeningID:  opening.ID,
			CustomerID: cand.CustomerID,
			Phone:      cand.Phone,
			ExpiresAt:  expiresAt,
		}
		fresh, err := d.store.InsertOffer(ctx, d.store.db, offer)
		if err != nil {
			return sent, err
		}
		if !fresh {
			continue
		}

		if d.sms != nil {
			if err := d.sms.SendSMS(ctx, cand.Phone, offerMessage(cand.Name, opening.StartAt, expiresAt)); err != nil {
				// The offer row stays; the customer can still claim through
				// any other channel, and the reply matcher will find it.
				d.logger.Warn("offer sms failed", "opening_id", opening.ID, "customer_id", cand.CustomerID, "error", err)
			}
		}
		sent++
	}

	d.metrics.ObserveOffersSent(sent)
	span.SetAttributes(attribute.Int("bookflow.offers_sent", sent))
	d.logger.Info("offer round complete",
		"opening_id", opening.ID,
		"round", opening.OfferRound,
		"offers_sent", sent)
	return sent, nil
}

func offerMessage(name string, startAt, expiresAt time.Time) string {
	first := name
	if first == "" {
		first = "there"
	}
	return fmt.Sprintf("Hi %s! A slot just opened on %s. Reply YES in the next %d minutes to claim it, or NO to pass.",
		first,
		startAt.Format("Mon Jan 2 at 3:04 PM"),
		int(time.Until(expiresAt).Minutes()))
}
