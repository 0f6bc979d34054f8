package engine

import "github.com/alejandrodnm/marketmaker/internal/domain"

// ExpireLimitBets cancela las órdenes abiertas del contrato vencidas al
// momento actual y devuelve sus ids.
func (e *Engine) ExpireLimitBets(l *domain.Locked) ([]string, error) {
	now := e.now()
	var expired []domain.LimitBet
	for _, b := range l.Snapshot().LimitBets {
		if b.IsCancelled || b.IsFilled || !b.Expired(now) {
			continue
		}
		b.IsCancelled = true
		expired = append(expired, b)
	}
	if len(expired) == 0 {
		return nil, nil
	}
	if err := l.Stage(domain.Changes{LimitBets: expired}); err != nil {
		return nil, err
	}
	ids := make([]string, len(expired))
	for i, b := range expired {
		ids[i] = b.ID
	}
	return ids, nil
}
