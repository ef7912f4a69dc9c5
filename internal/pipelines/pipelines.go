// Package pipelines holds the resume handlers of every job type. Each handler
// is a sequence of phases run through the engine's step loop; the phase
// flags in the job context make a restarted handler skip finished phases.
package pipelines

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/SirClappington/imagejobs/internal/classifier"
	"github.com/SirClappington/imagejobs/internal/domain"
	"github.com/SirClappington/imagejobs/internal/engine"
	"github.com/SirClappington/imagejobs/internal/retry"
)

// IdentityStore persists the identities built by classify-identities.
type IdentityStore interface {
	// ReplaceIdentities drops the job's identities and creates one per seed.
	ReplaceIdentities(ctx context.Context, jobID string, seeds []domain.IdentitySeed) ([]domain.Identity, error)
	ListIdentities(ctx context.Context, jobID string) ([]domain.Identity, error)
	// MergeIdentities folds children into root. Repeating a merge is a no-op.
	MergeIdentities(ctx context.Context, jobID, rootID string, childIDs []string) error
}

type Deps struct {
	Loop       *engine.Loop
	Store      engine.Store
	Identities IdentityStore
	Classifier classifier.Client
	Source     Source
	Log        *zap.Logger
}

// Handlers returns the handler table for every job type.
func Handlers(d Deps) map[domain.Type]engine.Handler {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	return map[domain.Type]engine.Handler{
		domain.TypeScrapeSource:       &Scrape{deps: d, log: d.Log.Named("scrape")},
		domain.TypeClassifyIdentities: &Classify{deps: d, log: d.Log.Named("classify")},
		domain.TypeOrganizeItems:      &Organize{deps: d},
		domain.TypeReposeBatch:        &Repose{deps: d},
	}
}

// finish completes the job with a summary once the last phase is done.
func finish(ctx context.Context, loop *engine.Loop, inv *engine.Invocation, what string) error {
	j := inv.Job
	msg := fmt.Sprintf("Done: %d %s", j.ProgressDone, what)
	if j.ProgressFailed > 0 {
		msg += fmt.Sprintf(", %d failed", j.ProgressFailed)
	}
	return loop.Complete(ctx, inv, msg)
}

func encode(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return b, nil
}

// retryPolicy is the loop's policy, reused for calls made outside item batches.
func retryPolicy(loop *engine.Loop) retry.Policy {
	return loop.Config().Retry
}
