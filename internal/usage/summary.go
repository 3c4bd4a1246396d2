package usage

import (
	"context"
	"fmt"
	"time"
)

// ProviderTotal aggregates persisted calls for one provider and modality.
type ProviderTotal struct {
	Provider     string `json:"provider"`
	Modality     string `json:"modality"`
	Calls        int64  `json:"calls"`
	Failures     int64  `json:"failures"`
	TotalTokens  int64  `json:"total_tokens"`
	AvgElapsedMs int64  `json:"avg_elapsed_ms"`
}

// Totals aggregates calls recorded at or after since, ordered by provider
// then modality.
func (p *Persister) Totals(ctx context.Context, since time.Time) ([]ProviderTotal, error) {
	if p == nil {
		return nil, nil
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT provider, modality,
			COUNT(*),
			COALESCE(SUM(CASE WHEN failed THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(total_tokens), 0),
			COALESCE(AVG(elapsed_ms), 0)
		FROM provider_calls
		WHERE requested_at >= `+p.dialect.placeholders(1)+`
		GROUP BY provider, modality
		ORDER BY provider, modality`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query usage totals: %w", err)
	}
	defer rows.Close()

	var out []ProviderTotal
	for rows.Next() {
		var (
			t   ProviderTotal
			avg float64
		)
		if err := rows.Scan(&t.Provider, &t.Modality, &t.Calls, &t.Failures, &t.TotalTokens, &avg); err != nil {
			return nil, fmt.Errorf("failed to scan usage totals: %w", err)
		}
		t.AvgElapsedMs = int64(avg)
		out = append(out, t)
	}
	return out, rows.Err()
}
