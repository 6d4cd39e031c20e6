package outgoing

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
)

// PurgeNewsletters deletes sent newsletters older than the retention of their
// sending domain and returns how many were deleted.
func (s *Service) PurgeNewsletters(ctx context.Context) (int64, error) {
	domains, err := s.domains.ListDomains(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list mail domains: %w", err)
	}

	byRetention := make(map[int][]string)
	for _, d := range domains {
		days := d.NewsletterRetention
		if days <= 0 {
			days = s.settings.DefaultNewsletterRetention
		}
		byRetention[days] = append(byRetention[days], d.DomainName)
	}

	retentions := make([]int, 0, len(byRetention))
	for days := range byRetention {
		retentions = append(retentions, days)
	}
	sort.Ints(retentions)

	now := s.now()
	var total int64
	for _, days := range retentions {
		before := now.Add(-time.Duration(days) * 24 * time.Hour)
		n, err := s.repo.DeleteNewsletters(ctx, byRetention[days], before)
		if err != nil {
			return total, fmt.Errorf("failed to delete newsletters older than %d days: %w", days, err)
		}
		total += n
		if n > 0 {
			s.logger.Info("deleted newsletters",
				zap.Int("retention_days", days),
				zap.Strings("domains", byRetention[days]),
				zap.Int64("count", n))
		}
	}
	return total, nil
}
