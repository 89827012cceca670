// Package plan holds the billing plan catalog. Plans are global (not tenant
// scoped) and immutable once loaded: a live subscription must keep pricing
// integrity for its whole period, so the catalog is replaced wholesale at
// startup, never edited in place.
package plan

import (
	"errors"
	"fmt"
	"time"
)

// Resource represents a countable tenant resource type.
type Resource string

const (
	ResourceContacts  Resource = "contacts"
	ResourceEmails    Resource = "emails"
	ResourceCampaigns Resource = "campaigns"
	ResourceSeats     Resource = "seats"
)

// Unlimited indicates no limit for a resource (-1 chosen for SQL compatibility).
const Unlimited int64 = -1

// Feature represents a plan-specific capability flag.
type Feature string

const (
	FeatureAI            Feature = "ai"
	FeatureAnalytics     Feature = "analytics"
	FeatureAgentCatalog  Feature = "agent_catalog"
	FeatureWhiteLabel    Feature = "white_label"
	FeaturePrioritySLA   Feature = "priority_sla"
	FeatureCustomDomain  Feature = "custom_domain"
	FeatureLearningSeeds Feature = "learning_seeds"
)

// Money represents a monetary amount in the smallest currency unit.
// $10.99 USD is Amount: 1099, Currency: "USD".
type Money struct {
	Amount   int64  `yaml:"amount" json:"amount"`
	Currency string `yaml:"currency" json:"currency"`
}

// Plan describes a catalog entry. ID doubles as the payment processor's
// price ID for paid plans so checkout and webhook processing map directly.
type Plan struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	PriceMonthly Money `yaml:"price_monthly"`
	PriceAnnual  Money `yaml:"price_annual"`

	// MonthlyTokens is the per-period token allotment; Unlimited (-1) means no cap.
	MonthlyTokens int64 `yaml:"monthly_tokens"`

	Limits   map[Resource]int64 `yaml:"limits"`
	Features map[Feature]bool   `yaml:"features"`

	// Add-on token pack purchasable on top of the monthly allotment.
	TokenPackSize  int64 `yaml:"token_pack_size"`
	TokenPackPrice Money `yaml:"token_pack_price"`
	// PackRollsOver keeps unused purchased tokens across period rollover.
	PackRollsOver bool `yaml:"pack_rolls_over"`

	Public    bool `yaml:"public"`
	TrialDays int  `yaml:"trial_days"`
}

// IsUnlimitedTokens reports whether the plan carries the unlimited sentinel.
func (p Plan) IsUnlimitedTokens() bool {
	return p.MonthlyTokens == Unlimited
}

// TrialEndsAt returns when a trial started at startedAt ends.
// Returns startedAt unchanged when the plan has no trial.
func (p Plan) TrialEndsAt(startedAt time.Time) time.Time {
	if p.TrialDays <= 0 {
		return startedAt
	}
	return startedAt.AddDate(0, 0, p.TrialDays).UTC()
}

var (
	ErrNotFound             = errors.New("plan not found")
	ErrInvalidConfiguration = errors.New("invalid plan configuration")
	ErrFailedToLoad         = errors.New("failed to load plan catalog")
)

// Validate checks a loaded catalog for internal consistency.
func Validate(plans map[string]Plan) error {
	for id, p := range plans {
		if p.ID != id {
			return errors.Join(ErrInvalidConfiguration,
				fmt.Errorf("plan ID mismatch: map key %s != plan.ID %s", id, p.ID))
		}
		if p.TrialDays < 0 {
			return errors.Join(ErrInvalidConfiguration,
				fmt.Errorf("plan %s has negative trial days: %d", id, p.TrialDays))
		}
		if p.MonthlyTokens < Unlimited {
			return errors.Join(ErrInvalidConfiguration,
				fmt.Errorf("plan %s has invalid token allotment: %d", id, p.MonthlyTokens))
		}
		if p.PriceMonthly.Amount < 0 || p.PriceAnnual.Amount < 0 || p.TokenPackPrice.Amount < 0 {
			return errors.Join(ErrInvalidConfiguration,
				fmt.Errorf("plan %s has negative price", id))
		}
		if p.TokenPackSize < 0 {
			return errors.Join(ErrInvalidConfiguration,
				fmt.Errorf("plan %s has negative token pack size: %d", id, p.TokenPackSize))
		}
		for res, limit := range p.Limits {
			if limit < Unlimited {
				return errors.Join(ErrInvalidConfiguration,
					fmt.Errorf("plan %s has invalid limit for %s: %d", id, res, limit))
			}
		}
	}
	return nil
}
