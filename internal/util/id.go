// Package util provides shared utility functions.
package util

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/josephgoksu/taskgraph/models"
	"github.com/josephgoksu/taskgraph/store"
)

const (
	// DefaultShortIDLength is the default number of characters for short IDs.
	DefaultShortIDLength = 8
	// MaxAmbiguousCandidates is the max number of candidates to show in ambiguous error.
	MaxAmbiguousCandidates = 5
)

// Errors returned by identity resolution.
var (
	ErrAmbiguousID = errors.New("ambiguous identity prefix")
	ErrNotFound    = store.ErrNotFound
)

// ShortID returns the first n characters of id.
// If n is 0 or negative, DefaultShortIDLength (8) is used.
//
// Examples:
//
//	ShortID("3f2b8c1e-9d4a-4e6b-8f0a-1c2d3e4f5a6b", 0) → "3f2b8c1e"
//	ShortID("release/build", 20) → "release/build" (no truncation if shorter)
func ShortID(id string, n int) string {
	if n <= 0 {
		n = DefaultShortIDLength
	}
	if len(id) <= n {
		return id
	}
	return id[:n]
}

// IdentityFinder looks tasks up exactly or by glob pattern.
// This is implemented by task.Manager.
type IdentityFinder interface {
	GetTask(ctx context.Context, identity string) (models.Task, error)
	FindByPattern(ctx context.Context, pattern string) ([]models.Task, error)
}

// ResolveIdentity resolves a task identity or prefix to a full identity.
//
// Resolution rules:
//  1. If idOrPrefix is a stored identity, return it.
//  2. If idOrPrefix is the prefix of exactly one identity, return that identity.
//  3. If multiple match, return ErrAmbiguousID with candidates.
//  4. If none match, return ErrNotFound.
func ResolveIdentity(ctx context.Context, finder IdentityFinder, idOrPrefix string) (string, error) {
	if idOrPrefix == "" {
		return "", fmt.Errorf("task identity: %w", ErrNotFound)
	}
	t, err := finder.GetTask(ctx, idOrPrefix)
	if err == nil {
		return t.Identity(), nil
	}
	if !store.IsNotFound(err) {
		return "", err
	}
	if strings.ContainsAny(idOrPrefix, `*?[\`) {
		return "", fmt.Errorf("task with prefix %q: %w", idOrPrefix, ErrNotFound)
	}

	matches, err := finder.FindByPattern(ctx, idOrPrefix+"*")
	if err != nil {
		return "", fmt.Errorf("find identities: %w", err)
	}
	candidates := make([]string, 0, len(matches))
	for _, m := range matches {
		candidates = append(candidates, m.Identity())
	}
	return resolveFromCandidates(idOrPrefix, candidates)
}

// resolveFromCandidates handles the common resolution logic.
func resolveFromCandidates(prefix string, candidates []string) (string, error) {
	switch len(candidates) {
	case 0:
		return "", fmt.Errorf("task with prefix %q: %w", prefix, ErrNotFound)
	case 1:
		return candidates[0], nil
	default:
		shown := candidates
		if len(shown) > MaxAmbiguousCandidates {
			shown = shown[:MaxAmbiguousCandidates]
		}
		return "", fmt.Errorf("%w: prefix %q matches %d tasks: %v",
			ErrAmbiguousID, prefix, len(candidates), shown)
	}
}
