// Package quota enforces per-account daily usage limits and per-model
// price caps before a request is allowed upstream.
package quota

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/modelgate/modelgate/internal/access"
	"github.com/modelgate/modelgate/internal/apperr"
	"github.com/modelgate/modelgate/internal/catalog"
	"github.com/modelgate/modelgate/internal/store"
)

// Enforcer checks accounts against their trailing-24h usage.
type Enforcer struct {
	store store.Store
}

// New returns an enforcer backed by the given store.
func New(s store.Store) *Enforcer {
	return &Enforcer{store: s}
}

// Enforce admits or rejects the selected candidate for an account.
// Price caps are checked first, then daily request and token limits
// against the trailing 24 hours. A failed usage read counts as zero
// usage rather than rejecting the request.
func (e *Enforcer) Enforce(ctx context.Context, account *access.Account, primary catalog.RoutedModel) error {
	if account == nil {
		return nil
	}

	for _, pc := range account.ModelPriceCaps {
		if !strings.EqualFold(pc.Model, primary.ResolvedModel) {
			continue
		}
		if primary.EstimateCents > float64(pc.MaxCents) {
			return apperr.BadRequest("requested model exceeds account price cap")
		}
	}

	if account.ReqPerDay == nil && account.TokensPerDay == nil {
		return nil
	}

	since := store.SinceISO(time.Now().Add(-24 * time.Hour))
	usage, err := e.store.UsageSince(ctx, account.ID, since)
	if err != nil {
		log.Warn().Err(err).Str("account", account.ID).Msg("usage lookup failed, admitting request")
		usage = store.UsageStats{}
	}

	if account.ReqPerDay != nil && usage.Requests >= int64(*account.ReqPerDay) {
		return apperr.BadRequest("account request limit reached for today")
	}
	if account.TokensPerDay != nil && usage.TokensInput+usage.TokensOutput >= int64(*account.TokensPerDay) {
		return apperr.BadRequest("account token limit reached for today")
	}
	return nil
}
