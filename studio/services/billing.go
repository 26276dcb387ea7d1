package services

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"nutristudio_platform/studio/schema"
	"nutristudio_platform/utils/logging"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
)

// PlanTierMapping translates payment provider plan identifiers into studio
// tiers and their quotas.
type PlanTierMapping struct {
	Plans map[string]PlanTier `yaml:"plans"`
}

type PlanTier struct {
	Tier       string `yaml:"tier"`
	AiCredits  int    `yaml:"ai_credits"`
	UsageLimit int    `yaml:"usage_limit"`
}

func LoadPlanTierMapping(path string) (PlanTierMapping, error) {
	var mapping PlanTierMapping

	data, err := os.ReadFile(path)
	if err != nil {
		return mapping, fmt.Errorf("error reading plan tier mapping %v: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &mapping); err != nil {
		return mapping, fmt.Errorf("error parsing plan tier mapping %v: %w", path, err)
	}

	if len(mapping.Plans) == 0 {
		return mapping, fmt.Errorf("plan tier mapping %v defines no plans", path)
	}

	return mapping, nil
}

type BillingService struct {
	db            *gorm.DB
	webhookSecret []byte
	tiers         PlanTierMapping
}

func (s *BillingService) Routes() chi.Router {
	r := chi.NewRouter()

	// The webhook authenticates via its signature, not a user session.
	r.Post("/webhook", s.Webhook)

	return r
}

const signatureHeader = "X-Webhook-Signature"

// verifySignature checks the hex HMAC-SHA256 of the raw body against the
// signature header using a constant time comparison.
func (s *BillingService) verifySignature(r *http.Request, body []byte) error {
	provided := r.Header.Get(signatureHeader)
	if provided == "" {
		return fmt.Errorf("missing %v header", signatureHeader)
	}

	providedMac, err := hex.DecodeString(provided)
	if err != nil {
		return errors.New("malformed webhook signature")
	}

	mac := hmac.New(sha256.New, s.webhookSecret)
	mac.Write(body)
	expected := mac.Sum(nil)

	if !hmac.Equal(providedMac, expected) {
		return errors.New("webhook signature mismatch")
	}

	return nil
}

type webhookEvent struct {
	EventId   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	TenantId  uuid.UUID `json:"tenant_id"`
	Plan      string    `json:"plan"`
}

// Webhook applies a subscription change from the payment provider. Redelivered
// events are detected by event id and acknowledged without reapplying.
func (s *BillingService) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "error reading request body", http.StatusBadRequest)
		return
	}

	if err := s.verifySignature(r, body); err != nil {
		billingEventsMetric.WithLabelValues("rejected").Inc()
		slog.Warn("rejected billing webhook", "error", err)
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	var event webhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		http.Error(w, fmt.Sprintf("error parsing webhook payload: %v", err), http.StatusBadRequest)
		return
	}

	if event.EventId == "" || event.EventType == "" {
		http.Error(w, "event_id and event_type are required", http.StatusUnprocessableEntity)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		var existing schema.BillingEvent
		result := txn.Limit(1).Find(&existing, "event_id = ?", event.EventId)
		if result.Error != nil {
			slog.Error("sql error checking for duplicate billing event", "event_id", event.EventId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		if result.RowsAffected != 0 {
			billingEventsMetric.WithLabelValues("duplicate").Inc()
			slog.Info("ignoring redelivered billing event", "event_id", event.EventId)
			return nil
		}

		tenant, err := schema.GetTenant(event.TenantId, txn)
		if err != nil {
			if errors.Is(err, schema.ErrTenantNotFound) {
				return CodedError(err, http.StatusNotFound)
			}
			return CodedError(err, http.StatusInternalServerError)
		}

		record := schema.BillingEvent{
			Id:         uuid.New(),
			TenantId:   tenant.Id,
			Provider:   "default",
			EventId:    event.EventId,
			EventType:  event.EventType,
			PlanTier:   event.Plan,
			ReceivedAt: time.Now().UTC(),
		}

		switch event.EventType {
		case "subscription.updated", "subscription.created", "checkout.completed", "invoice.paid":
			tier, ok := s.tiers.Plans[event.Plan]
			if !ok {
				return CodedError(fmt.Errorf("unknown plan '%v'", event.Plan), http.StatusUnprocessableEntity)
			}

			updates := map[string]interface{}{
				"plan_tier":   tier.Tier,
				"ai_credits":  tier.AiCredits,
				"usage_limit": tier.UsageLimit,
				"status":      "active",
			}
			if result := txn.Model(&schema.Tenant{}).Where("id = ?", tenant.Id).Updates(updates); result.Error != nil {
				slog.Error("sql error applying subscription update", "tenant_id", tenant.Id, "error", result.Error)
				return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
			}

		case "subscription.canceled":
			if result := txn.Model(&schema.Tenant{}).Where("id = ?", tenant.Id).Update("status", "suspended"); result.Error != nil {
				slog.Error("sql error suspending tenant", "tenant_id", tenant.Id, "error", result.Error)
				return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
			}

		default:
			return CodedError(fmt.Errorf("unsupported event type '%v'", event.EventType), http.StatusUnprocessableEntity)
		}

		if result := txn.Create(&record); result.Error != nil {
			slog.Error("sql error recording billing event", "event_id", event.EventId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		billingEventsMetric.WithLabelValues("applied").Inc()
		slog.Info("applied billing event", "code", logging.BILLING_EVENT, "event_id", event.EventId, "event_type", event.EventType, "tenant_id", tenant.Id)
		return nil
	})

	if err != nil {
		http.Error(w, fmt.Sprintf("error processing billing event: %v", err), GetResponseCode(err))
		return
	}

	w.WriteHeader(http.StatusOK)
}
