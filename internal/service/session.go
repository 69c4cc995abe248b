// Package service provides business logic for the forecast field server.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/fieldmap/server/internal/field"
	"github.com/fieldmap/server/internal/forecast"
	"github.com/fieldmap/server/internal/render"
	"github.com/fieldmap/server/internal/source"
)

// ErrSuperseded is returned by Select when a newer selection started while
// the fetch was in flight. Its samples are dropped.
var ErrSuperseded = errors.New("selection superseded")

// Session ties a data source to a renderer. Each selection fetches the full
// sample list and installs a fresh field; a failed fetch clears the display.
type Session struct {
	src      source.Source
	renderer *render.Renderer

	mu  sync.Mutex
	sel forecast.Selection
	seq uint64
}

// NewSession creates a session rendering samples from src with r.
func NewSession(src source.Source, r *render.Renderer) *Session {
	return &Session{src: src, renderer: r}
}

// Renderer returns the session renderer.
func (s *Session) Renderer() *render.Renderer { return s.renderer }

// Selection returns the most recent selection.
func (s *Session) Selection() forecast.Selection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sel
}

// Select fetches sel and renders it. Errors from the source or an empty
// result clear the display and are returned to the caller.
func (s *Session) Select(ctx context.Context, sel forecast.Selection) error {
	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.sel = sel
	s.mu.Unlock()

	recs, err := s.src.Fetch(ctx, sel)
	var f *field.ScalarField
	if err == nil {
		f, err = field.Build(recs, field.SelectorFor(sel.Variable))
		if err != nil {
			err = fmt.Errorf("%w: %w", source.ErrFetch, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if seq != s.seq {
		return ErrSuperseded
	}
	if err != nil {
		log.Printf("[Session] %s: %v", sel, err)
		s.renderer.ClearField(err)
		return err
	}
	s.renderer.SetField(f)
	return nil
}

// SetColormap switches the palette of the current display.
func (s *Session) SetColormap(name string) error {
	return s.renderer.SetColormap(name)
}

// Close detaches the renderer from its viewport.
func (s *Session) Close() {
	s.renderer.Detach()
}
