package outbox

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"example.com/backstage/services/orders/internal/models"
)

// Sweeper deletes events that were published longer than the retention
// window ago. The predicate keeps it away from unpublished rows no matter
// how old they are; an event that never reached the broker is never dropped.
type Sweeper struct {
	db            *gorm.DB
	retentionDays int
}

// NewSweeper creates a new retention sweeper
func NewSweeper(db *gorm.DB, retentionDays int) *Sweeper {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	return &Sweeper{
		db:            db,
		retentionDays: retentionDays,
	}
}

// Sweep removes published events older than the retention window and
// returns how many were deleted.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.retentionDays)

	result := s.db.WithContext(ctx).
		Where("published = ? AND published_at < ?", true, cutoff).
		Delete(&models.Event{})
	if result.Error != nil {
		return 0, errors.Wrap(result.Error, "failed to sweep published events")
	}

	if result.RowsAffected > 0 {
		log.Info().
			Int64("deleted", result.RowsAffected).
			Time("cutoff", cutoff).
			Msg("Swept published events past retention")
	}

	return result.RowsAffected, nil
}
