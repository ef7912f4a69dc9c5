package pipelines

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/SirClappington/imagejobs/internal/classifier"
	"github.com/SirClappington/imagejobs/internal/domain"
	"github.com/SirClappington/imagejobs/internal/engine"
)

// Repose generates a re-posed artifact for every image.
type Repose struct {
	deps Deps
}

type artifactResult struct {
	ArtifactRef string `json:"artifact_ref"`
}

func (h *Repose) Run(ctx context.Context, inv *engine.Invocation) error {
	c, err := domain.DecodeContext(inv.Job.Type, inv.Job.Context)
	if err != nil {
		return err
	}
	rc, ok := c.(domain.ReposeContext)
	if !ok {
		return fmt.Errorf("%w: %s is not a repose job", domain.ErrInvalidContext, inv.Job.ID)
	}
	prompt := promptRepose(rc.Pose)

	res, err := h.deps.Loop.RunItems(ctx, inv, engine.ItemPhase{
		Step: 1, Steps: 1, Label: "Generating poses",
		Process: func(ctx context.Context, it domain.Item) (json.RawMessage, error) {
			r, err := h.deps.Classifier.Classify(ctx, classifier.Request{
				Images:      []string{it.Ref},
				Instruction: prompt,
				Kind:        classifier.KindArtifact,
			})
			if err != nil {
				return nil, err
			}
			if r.ArtifactRef == "" {
				return nil, &classifier.Error{Kind: classifier.Unknown, Message: "no artifact returned"}
			}
			return encode(artifactResult{ArtifactRef: r.ArtifactRef})
		},
	})
	if err != nil || res.Outcome != engine.Finished {
		return err
	}
	return finish(ctx, h.deps.Loop, inv, "images re-posed")
}
