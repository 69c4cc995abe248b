// Package source fetches the samples of a selection for rendering.
package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/fieldmap/server/internal/field"
	"github.com/fieldmap/server/internal/forecast"
)

// ErrFetch wraps every failure to obtain samples, including an empty result.
var ErrFetch = errors.New("fetch failed")

// Source returns the samples of a selection.
type Source interface {
	Fetch(ctx context.Context, sel forecast.Selection) ([]field.Record, error)
}

// Local serves samples from an in-process forecast service.
type Local struct {
	svc *forecast.Service
}

// NewLocal wraps svc.
func NewLocal(svc *forecast.Service) *Local {
	return &Local{svc: svc}
}

// Fetch implements Source.
func (l *Local) Fetch(ctx context.Context, sel forecast.Selection) ([]field.Record, error) {
	recs, err := l.svc.Points(ctx, sel)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetch, err)
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrFetch, field.ErrEmptyData)
	}
	return recs, nil
}
