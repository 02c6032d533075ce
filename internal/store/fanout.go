package store

import (
	"context"
	"errors"
	"time"

	"github.com/futstar/momentum-engine/internal/model"
)

// TeeSampleStore writes samples to every sink and reads from the first.
// It lets the audit trail live in a separate backend from the queryable
// history.
type TeeSampleStore struct {
	sinks []SampleStore
}

// NewTeeSampleStore creates a tee over primary followed by mirrors.
func NewTeeSampleStore(primary SampleStore, mirrors ...SampleStore) *TeeSampleStore {
	return &TeeSampleStore{sinks: append([]SampleStore{primary}, mirrors...)}
}

// AppendSamples writes to every sink and joins their errors.
func (t *TeeSampleStore) AppendSamples(ctx context.Context, samples []model.MomentumSample) error {
	var errs []error
	for _, s := range t.sinks {
		if err := s.AppendSamples(ctx, samples); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *TeeSampleStore) ListSamples(ctx context.Context, matchID string, since time.Time, limit int) ([]model.MomentumSample, error) {
	return t.sinks[0].ListSamples(ctx, matchID, since, limit)
}
