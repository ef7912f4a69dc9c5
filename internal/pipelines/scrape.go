package pipelines

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/SirClappington/imagejobs/internal/classifier"
	"github.com/SirClappington/imagejobs/internal/domain"
	"github.com/SirClappington/imagejobs/internal/engine"
	"github.com/SirClappington/imagejobs/internal/retry"
)

// Scrape discovers the images of a source listing, then detects a face in
// each of them.
type Scrape struct {
	deps Deps
	log  *zap.Logger
}

type faceResult struct {
	Found bool            `json:"found"`
	Box   *classifier.Box `json:"box,omitempty"`
}

func (h *Scrape) Run(ctx context.Context, inv *engine.Invocation) error {
	loop := h.deps.Loop
	sc, err := scrapeContext(inv.Job)
	if err != nil {
		return err
	}

	if !sc.Discovered {
		out, err := loop.RunSteps(ctx, inv, engine.StepPhase{
			Step: 1, Steps: 2, Label: "Discovering images",
			Next: h.nextPage,
		})
		if err != nil {
			if retry.IsTransient(err) {
				at := loop.Now().Add(loop.Config().ItemRetryDelay)
				h.log.Warn("listing unavailable, retrying later",
					zap.String("job_id", inv.Job.ID), zap.Time("at", at), zap.Error(err))
				inv.RequestContinuation(at, "deferred")
				return nil
			}
			return err
		}
		if out != engine.Finished {
			return nil
		}
	}

	res, err := loop.RunItems(ctx, inv, engine.ItemPhase{
		Step: 2, Steps: 2, Label: "Detecting faces",
		Process: func(ctx context.Context, it domain.Item) (json.RawMessage, error) {
			r, err := h.deps.Classifier.Classify(ctx, classifier.Request{
				Images:      []string{it.Ref},
				Instruction: promptFaceBox,
				Kind:        classifier.KindBox,
			})
			if err != nil {
				return nil, err
			}
			return encode(faceResult{Found: r.Found && r.Box != nil, Box: r.Box})
		},
	})
	if err != nil || res.Outcome != engine.Finished {
		return err
	}
	return finish(ctx, loop, inv, "images")
}

// nextPage fetches the page at the stored cursor and records its images.
// Items are keyed by ref, so a page fetched twice adds nothing.
func (h *Scrape) nextPage(ctx context.Context, inv *engine.Invocation) (bool, domain.Checkpoint, error) {
	sc, err := scrapeContext(inv.Job)
	if err != nil {
		return false, domain.Checkpoint{}, err
	}
	page, err := retry.Value(ctx, retryPolicy(h.deps.Loop), func(ctx context.Context) (Page, error) {
		return h.deps.Source.List(ctx, sc.SourceURL, sc.Cursor)
	})
	if err != nil {
		return false, domain.Checkpoint{}, err
	}
	added, err := h.deps.Store.InsertItems(ctx, inv.Job.ID, page.Refs)
	if err != nil {
		return false, domain.Checkpoint{}, fmt.Errorf("%w: insert items: %v", engine.ErrCheckpoint, err)
	}
	counts, err := h.deps.Store.CountItems(ctx, inv.Job.ID, h.deps.Loop.Now())
	if err != nil {
		return false, domain.Checkpoint{}, fmt.Errorf("%w: count items: %v", engine.ErrCheckpoint, err)
	}
	total := counts.Total()
	pages := sc.Pages + 1
	done := page.Next == ""
	patch := domain.Values{
		domain.KeyCursor:     page.Next,
		domain.KeyPages:      strconv.Itoa(pages),
		domain.KeyDiscovered: strconv.FormatBool(done),
	}
	h.log.Info("listing page recorded",
		zap.String("job_id", inv.Job.ID), zap.Int("page", pages), zap.Int("added", added), zap.Int("total", total))
	return done, domain.Checkpoint{
		Total:   &total,
		Patch:   patch,
		Message: fmt.Sprintf("Step 1/2: Discovering images (page %d, %d found)", pages, total),
	}, nil
}

func scrapeContext(j *domain.Job) (domain.ScrapeContext, error) {
	c, err := domain.DecodeContext(j.Type, j.Context)
	if err != nil {
		return domain.ScrapeContext{}, err
	}
	sc, ok := c.(domain.ScrapeContext)
	if !ok {
		return domain.ScrapeContext{}, fmt.Errorf("%w: %s is not a scrape job", domain.ErrInvalidContext, j.ID)
	}
	return sc, nil
}
