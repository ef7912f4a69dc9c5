package pipelines

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/SirClappington/imagejobs/internal/classifier"
	"github.com/SirClappington/imagejobs/internal/domain"
	"github.com/SirClappington/imagejobs/internal/engine"
)

// Organize assigns every image to one of the job's categories.
type Organize struct {
	deps Deps
}

type categoryResult struct {
	Category string `json:"category"`
}

func (h *Organize) Run(ctx context.Context, inv *engine.Invocation) error {
	c, err := domain.DecodeContext(inv.Job.Type, inv.Job.Context)
	if err != nil {
		return err
	}
	oc, ok := c.(domain.OrganizeContext)
	if !ok {
		return fmt.Errorf("%w: %s is not an organize job", domain.ErrInvalidContext, inv.Job.ID)
	}

	res, err := h.deps.Loop.RunItems(ctx, inv, engine.ItemPhase{
		Step: 1, Steps: 1, Label: "Organizing images",
		Process: func(ctx context.Context, it domain.Item) (json.RawMessage, error) {
			r, err := h.deps.Classifier.Classify(ctx, classifier.Request{
				Images:      []string{it.Ref},
				Instruction: promptCategory(oc.Categories),
				Kind:        classifier.KindLabel,
				Labels:      oc.Categories,
			})
			if err != nil {
				return nil, err
			}
			cat, ok := matchCategory(r.Label, oc.Categories)
			if !ok {
				return nil, &classifier.Error{Kind: classifier.BadRequest, Message: fmt.Sprintf("unknown category %q", r.Label)}
			}
			return encode(categoryResult{Category: cat})
		},
	})
	if err != nil || res.Outcome != engine.Finished {
		return err
	}
	return finish(ctx, h.deps.Loop, inv, "images organized")
}

// matchCategory maps an answer onto the configured spelling of a category.
func matchCategory(label string, categories []string) (string, bool) {
	label = strings.TrimSpace(label)
	for _, c := range categories {
		if strings.EqualFold(c, label) {
			return c, true
		}
	}
	return "", false
}
