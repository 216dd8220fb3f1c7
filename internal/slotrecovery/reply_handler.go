package slotrecovery

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/bookflow-platform/pkg/logging"
)

// optOutTracker clears messaging consent on a STOP reply.
type optOutTracker interface {
	OptOutByPhone(ctx context.Context, phone string) (int64, error)
}

// ReplyHandler processes inbound SMS replies to rebooking offers.
type ReplyHandler struct {
	acceptor  *Acceptor
	optOuts   optOutTracker
	authToken string
	logger    *logging.Logger
	tracer    trace.Tracer
}

// NewReplyHandler wires the inbound SMS endpoint. An empty authToken skips
// signature validation, local runs only.
func NewReplyHandler(acceptor *Acceptor, optOuts optOutTracker, authToken string, logger *logging.Logger) *ReplyHandler {
	if acceptor == nil {
		panic("slotrecovery: acceptor required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &ReplyHandler{
		acceptor:  acceptor,
		optOuts:   optOuts,
		authToken: authToken,
		logger:    logger,
		tracer:    otel.Tracer("slotrecovery"),
	}
}

// InboundSMS handles POST /webhooks/sms/reply.
func (h *ReplyHandler) InboundSMS(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "slotrecovery.InboundSMS")
	defer span.End()

	if h.authToken != "" && !validateTwilioSignature(r, h.authToken, buildAbsoluteURL(r)) {
		h.logger.Warn("invalid sms webhook signature")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	from := normalizePhone(r.FormValue("From"))
	body := strings.TrimSpace(r.FormValue("Body"))
	if from == "" {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.String("bookflow.reply_from", from))

	switch {
	case isOptOut(body):
		if h.optOuts != nil {
			if _, err := h.optOuts.OptOutByPhone(ctx, from); err != nil {
				h.logger.Error("opt-out failed", "error", err)
			}
		}
		// Carriers append their own STOP confirmation; stay silent.
		writeTwiML(w, "")
	case isDecline(body):
		if _, err := h.acceptor.Decline(ctx, from); err != nil {
			h.logger.Error("offer decline failed", "error", err)
		}
		writeTwiML(w, "No problem, we'll keep you in mind next time.")
	case isConfirm(body):
		h.handleConfirm(ctx, w, from)
	default:
		writeTwiML(w, "Reply YES to claim an open slot, NO to pass, or STOP to opt out.")
	}
}

func (h *ReplyHandler) handleConfirm(ctx context.Context, w http.ResponseWriter, from string) {
	result, err := h.acceptor.AcceptByPhone(ctx, from)
	if err != nil {
		h.logger.Error("offer accept failed", "error", err, "from", from)
		writeTwiML(w, "Something went wrong on our end. Please try again in a minute.")
		return
	}
	switch result.Outcome {
	case AcceptBooked:
		if result.PaymentURL != "" {
			writeTwiML(w, fmt.Sprintf("The slot is yours pending deposit. Complete it here within 15 minutes: %s", result.PaymentURL))
			return
		}
		writeTwiML(w, fmt.Sprintf("You're booked for %s. See you then!", result.StartAt.Format("Mon Jan 2 at 3:04 PM")))
	case AcceptTaken:
		writeTwiML(w, "Sorry, that slot was just taken. We'll text you when the next one opens.")
	default:
		writeTwiML(w, "We don't have an active offer for you right now.")
	}
}

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Message string   `xml:"Message,omitempty"`
}

func writeTwiML(w http.ResponseWriter, message string) {
	body, err := xml.Marshal(twimlResponse{Message: message})
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(xml.Header))
	_, _ = w.Write(body)
}

var confirmWords = []string{"yes", "y", "yeah", "yep", "confirm", "book", "claim"}

var declineWords = []string{"no", "n", "nope", "pass", "decline", "skip"}

var optOutWords = []string{"stop", "stopall", "unsubscribe", "cancel", "end", "quit"}

func isConfirm(body string) bool { return matchesKeyword(body, confirmWords) }

func isDecline(body string) bool { return matchesKeyword(body, declineWords) }

func isOptOut(body string) bool { return matchesKeyword(body, optOutWords) }

func matchesKeyword(body string, words []string) bool {
	normalized := strings.ToLower(strings.TrimSpace(body))
	normalized = strings.TrimRight(normalized, ".!")
	for _, w := range words {
		if normalized == w {
			return true
		}
	}
	return false
}

// normalizePhone ensures the value begins with + and only contains digits
// afterward.
func normalizePhone(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	var digits strings.Builder
	for _, r := range value {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	if digits.Len() == 0 {
		return ""
	}
	return "+" + digits.String()
}

// validateTwilioSignature validates that a request came from Twilio.
func validateTwilioSignature(r *http.Request, authToken, webhookURL string) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" {
		return false
	}
	if err := r.ParseForm(); err != nil {
		return false
	}
	expected := computeTwilioSignature(buildSignaturePayload(webhookURL, r.PostForm), authToken)
	return hmac.Equal([]byte(signature), []byte(expected))
}

func buildSignaturePayload(rawURL string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var payload strings.Builder
	payload.WriteString(rawURL)
	for _, key := range keys {
		for _, value := range params[key] {
			payload.WriteString(key)
			payload.WriteString(value)
		}
	}
	return payload.String()
}

func computeTwilioSignature(data, key string) string {
	mac := hmac.New(sha1.New, []byte(key))
	mac.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func buildAbsoluteURL(r *http.Request) string {
	scheme := "https"
	if r.TLS == nil {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else {
			scheme = "http"
		}
	}
	return fmt.Sprintf("%s://%s%s", scheme, r.Host, r.URL.RequestURI())
}
