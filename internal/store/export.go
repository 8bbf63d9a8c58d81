package store

import (
	"context"
	"fmt"
	"time"

	"github.com/pavelanni/companion/internal/model"
)

// ExportAll builds an export document with every profile and journaled session.
func (s *Store) ExportAll(ctx context.Context) (model.Export, error) {
	profiles, err := s.ListProfiles(ctx)
	if err != nil {
		return model.Export{}, fmt.Errorf("list profiles: %w", err)
	}

	sessions, err := s.ListSessions(ctx)
	if err != nil {
		return model.Export{}, fmt.Errorf("list sessions: %w", err)
	}

	out := model.Export{
		ExportedAt: time.Now().UTC(),
		Profiles:   profiles,
		Sessions:   make([]model.SessionExport, 0, len(sessions)),
	}
	for _, snap := range sessions {
		artifacts, err := s.Artifacts(ctx, snap.ID)
		if err != nil {
			return model.Export{}, fmt.Errorf("get artifacts for %s: %w", snap.ID, err)
		}
		out.Sessions = append(out.Sessions, model.SessionExport{
			SessionSnapshot: snap,
			Artifacts:       artifacts,
		})
	}
	return out, nil
}
