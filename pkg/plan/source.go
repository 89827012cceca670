package plan

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"gopkg.in/yaml.v3"
)

// YAMLSource loads the catalog from a YAML file shipped with the deployment.
type YAMLSource struct {
	Path string
}

// NewYAMLSource creates a file-backed plan source.
func NewYAMLSource(path string) *YAMLSource {
	return &YAMLSource{Path: path}
}

func (s *YAMLSource) Load(_ context.Context) (map[string]Plan, error) {
	raw, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("read plan catalog %s: %w", s.Path, err)
	}

	var doc struct {
		Plans []Plan `yaml:"plans"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse plan catalog %s: %w", s.Path, err)
	}

	plans := make(map[string]Plan, len(doc.Plans))
	for _, p := range doc.Plans {
		plans[p.ID] = p
	}
	return plans, nil
}

// PGSource loads the catalog from the plans table, for deployments that
// manage the catalog operationally instead of shipping it as a file.
type PGSource struct {
	pool *pgxpool.Pool
}

// NewPGSource creates a database-backed plan source.
func NewPGSource(pool *pgxpool.Pool) *PGSource {
	return &PGSource{pool: pool}
}

func (s *PGSource) Load(ctx context.Context) (map[string]Plan, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, description,
		       price_monthly, price_annual, currency,
		       monthly_tokens, limits, features,
		       token_pack_size, token_pack_price, pack_rolls_over,
		       public, trial_days
		FROM plans`)
	if err != nil {
		return nil, fmt.Errorf("query plans: %w", err)
	}
	defer rows.Close()

	plans := make(map[string]Plan)
	for rows.Next() {
		var (
			p          Plan
			currency   string
			limitsJSON []byte
			featsJSON  []byte
		)
		if err := rows.Scan(
			&p.ID, &p.Name, &p.Description,
			&p.PriceMonthly.Amount, &p.PriceAnnual.Amount, &currency,
			&p.MonthlyTokens, &limitsJSON, &featsJSON,
			&p.TokenPackSize, &p.TokenPackPrice.Amount, &p.PackRollsOver,
			&p.Public, &p.TrialDays,
		); err != nil {
			return nil, fmt.Errorf("scan plan row: %w", err)
		}
		p.PriceMonthly.Currency = currency
		p.PriceAnnual.Currency = currency
		p.TokenPackPrice.Currency = currency

		if len(limitsJSON) > 0 {
			if err := json.Unmarshal(limitsJSON, &p.Limits); err != nil {
				return nil, fmt.Errorf("parse limits for plan %s: %w", p.ID, err)
			}
		}
		if len(featsJSON) > 0 {
			if err := json.Unmarshal(featsJSON, &p.Features); err != nil {
				return nil, fmt.Errorf("parse features for plan %s: %w", p.ID, err)
			}
		}

		plans[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate plan rows: %w", err)
	}
	return plans, nil
}
