package pipelines

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/SirClappington/imagejobs/internal/classifier"
	"github.com/SirClappington/imagejobs/internal/domain"
	"github.com/SirClappington/imagejobs/internal/engine"
	"github.com/SirClappington/imagejobs/internal/retry"
	"github.com/SirClappington/imagejobs/internal/unionfind"
)

// Classify labels each face, groups equal labels into candidate identities
// and merges candidates the classifier judges to be the same person.
type Classify struct {
	deps Deps
	log  *zap.Logger
}

type labelResult struct {
	Label string `json:"label"`
}

func (h *Classify) Run(ctx context.Context, inv *engine.Invocation) error {
	loop := h.deps.Loop

	res, err := loop.RunItems(ctx, inv, engine.ItemPhase{
		Step: 1, Steps: 3, Label: "Labeling faces",
		Process: func(ctx context.Context, it domain.Item) (json.RawMessage, error) {
			r, err := h.deps.Classifier.Classify(ctx, classifier.Request{
				Images:      []string{it.Ref},
				Instruction: promptIdentityLabel,
				Kind:        classifier.KindLabel,
			})
			if err != nil {
				return nil, err
			}
			return encode(labelResult{Label: normalizeLabel(r.Label)})
		},
	})
	if err != nil || res.Outcome != engine.Finished {
		return err
	}

	cc, err := classifyContext(inv.Job)
	if err != nil {
		return err
	}
	// Newly labeled items invalidate earlier candidates and merges.
	if res.Processed > 0 || !cc.Classified {
		patch := domain.Values{domain.KeyClassified: "true"}
		if res.Processed > 0 {
			patch[domain.KeyCandidates] = "false"
			patch[domain.KeyMerged] = "false"
			cc.CandidatesBuilt, cc.Merged = false, false
		}
		if err := loop.Checkpoint(ctx, inv, domain.Checkpoint{Patch: patch}); err != nil {
			return err
		}
	}

	if !cc.CandidatesBuilt {
		n, err := h.buildCandidates(ctx, inv)
		if err != nil {
			return err
		}
		if err := loop.Checkpoint(ctx, inv, domain.Checkpoint{
			Patch: domain.Values{
				domain.KeyCandidates: "true",
				domain.KeyMergeOrder: domain.EncodeList(nil),
				domain.KeyMergeOuter: "0",
				domain.KeyMergeInner: "0",
			},
			Message: fmt.Sprintf("Step 2/3: Building candidates (%d identities)", n),
		}); err != nil {
			return err
		}
		cc.MergeOrder = nil
	}
	if stop, err := loop.Halted(ctx, inv); err != nil || stop {
		return err
	}

	if !cc.Merged {
		if len(cc.MergeOrder) == 0 {
			if err := h.fixMergeOrder(ctx, inv); err != nil {
				return err
			}
		}
		out, err := loop.RunSteps(ctx, inv, engine.StepPhase{
			Step: 3, Steps: 3, Label: "Merging identities",
			Next: h.mergeNext,
		})
		if err != nil || out != engine.Finished {
			return err
		}
	}
	return finish(ctx, loop, inv, "faces labeled")
}

// buildCandidates groups labeled items into one identity per label. It
// replaces any earlier candidates, so rebuilding is safe.
func (h *Classify) buildCandidates(ctx context.Context, inv *engine.Invocation) (int, error) {
	items, err := h.deps.Store.ListItems(ctx, inv.Job.ID, domain.ItemDone, 0)
	if err != nil {
		return 0, fmt.Errorf("%w: list labeled items: %v", engine.ErrCheckpoint, err)
	}
	seeds := candidateSeeds(items)
	if _, err := h.deps.Identities.ReplaceIdentities(ctx, inv.Job.ID, seeds); err != nil {
		return 0, fmt.Errorf("%w: store candidates: %v", engine.ErrCheckpoint, err)
	}
	h.log.Info("candidates built", zap.String("job_id", inv.Job.ID), zap.Int("identities", len(seeds)))
	return len(seeds), nil
}

// candidateSeeds groups items by label, largest group first.
func candidateSeeds(items []domain.Item) []domain.IdentitySeed {
	byLabel := map[string]*domain.IdentitySeed{}
	var order []string
	for _, it := range items {
		var r labelResult
		if err := json.Unmarshal(it.Result, &r); err != nil || r.Label == "" {
			continue
		}
		seed, ok := byLabel[r.Label]
		if !ok {
			seed = &domain.IdentitySeed{Label: r.Label, SampleRef: it.Ref}
			byLabel[r.Label] = seed
			order = append(order, r.Label)
		}
		seed.ItemIDs = append(seed.ItemIDs, it.ID)
	}
	out := make([]domain.IdentitySeed, 0, len(order))
	for _, label := range order {
		out = append(out, *byLabel[label])
	}
	sort.SliceStable(out, func(i, j int) bool { return len(out[i].ItemIDs) > len(out[j].ItemIDs) })
	return out
}

// fixMergeOrder records the largest-first order the merge pass walks, so a
// continuation resumes against the same order after counts have changed.
func (h *Classify) fixMergeOrder(ctx context.Context, inv *engine.Invocation) error {
	idents, err := h.deps.Identities.ListIdentities(ctx, inv.Job.ID)
	if err != nil {
		return fmt.Errorf("%w: list identities: %v", engine.ErrCheckpoint, err)
	}
	cands := make([]unionfind.Candidate, len(idents))
	for i, id := range idents {
		cands[i] = unionfind.Candidate{ID: id.ID, Count: id.ItemCount}
	}
	order := unionfind.Order(cands)
	ids := make([]string, len(order))
	for i, c := range order {
		ids[i] = c.ID
	}
	return h.deps.Loop.Checkpoint(ctx, inv, domain.Checkpoint{Patch: domain.Values{
		domain.KeyMergeOrder: domain.EncodeList(ids),
		domain.KeyMergeOuter: "0",
		domain.KeyMergeInner: "0",
	}})
}

// mergeNext makes the next same-person comparison after the persisted cursor
// and folds the pair into its root as soon as it matches. Absorbed identities
// are gone from the store, so a pair merged before a crash is skipped on
// resume.
func (h *Classify) mergeNext(ctx context.Context, inv *engine.Invocation) (bool, domain.Checkpoint, error) {
	cc, err := classifyContext(inv.Job)
	if err != nil {
		return false, domain.Checkpoint{}, err
	}
	idents, err := h.deps.Identities.ListIdentities(ctx, inv.Job.ID)
	if err != nil {
		return false, domain.Checkpoint{}, fmt.Errorf("%w: list identities: %v", engine.ErrCheckpoint, err)
	}
	byID := make(map[string]domain.Identity, len(idents))
	for _, id := range idents {
		byID[id.ID] = id
	}
	order := cc.MergeOrder
	live := func(i int) bool {
		_, ok := byID[order[i]]
		return ok
	}

	c, ok := unionfind.Advance(unionfind.Cursor{I: cc.MergeOuter, J: cc.MergeInner}, len(order), live)
	if !ok {
		h.log.Info("identities merged",
			zap.String("job_id", inv.Job.ID),
			zap.Int("before", len(order)),
			zap.Int("after", len(idents)))
		return true, domain.Checkpoint{
			Patch:   domain.Values{domain.KeyMerged: "true"},
			Message: fmt.Sprintf("Step 3/3: Merging identities (%d remain)", len(idents)),
		}, nil
	}

	root, child := byID[order[c.I]], byID[order[c.J]]
	remain := len(idents)
	r, err := retry.Value(ctx, retryPolicy(h.deps.Loop), func(ctx context.Context) (classifier.Result, error) {
		return h.deps.Classifier.Classify(ctx, classifier.Request{
			Images:      []string{root.SampleRef, child.SampleRef},
			Instruction: promptSamePerson,
			Kind:        classifier.KindYesNo,
		})
	})
	switch {
	case err != nil && ctx.Err() != nil:
		return false, domain.Checkpoint{}, ctx.Err()
	case err != nil:
		h.log.Warn("comparison failed, pair left apart",
			zap.String("job_id", inv.Job.ID),
			zap.String("root", root.ID),
			zap.String("candidate", child.ID),
			zap.Error(err))
	case r.Same:
		if err := h.deps.Identities.MergeIdentities(ctx, inv.Job.ID, root.ID, []string{child.ID}); err != nil {
			return false, domain.Checkpoint{}, fmt.Errorf("%w: merge identities: %v", engine.ErrCheckpoint, err)
		}
		remain--
	}
	return false, domain.Checkpoint{
		Patch: domain.Values{
			domain.KeyMergeOuter: strconv.Itoa(c.I),
			domain.KeyMergeInner: strconv.Itoa(c.J + 1),
		},
		Message: fmt.Sprintf("Step 3/3: Merging identities (%d remain)", remain),
	}, nil
}

func normalizeLabel(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func classifyContext(j *domain.Job) (domain.ClassifyContext, error) {
	c, err := domain.DecodeContext(j.Type, j.Context)
	if err != nil {
		return domain.ClassifyContext{}, err
	}
	cc, ok := c.(domain.ClassifyContext)
	if !ok {
		return domain.ClassifyContext{}, fmt.Errorf("%w: %s is not a classify job", domain.ErrInvalidContext, j.ID)
	}
	return cc, nil
}
