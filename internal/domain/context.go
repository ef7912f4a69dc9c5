package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Values is the flat key-value form of a resumption context, as persisted on
// the job record.
type Values map[string]string

// Merge returns a copy of v with patch applied on top.
func (v Values) Merge(patch Values) Values {
	out := make(Values, len(v)+len(patch))
	for k, val := range v {
		out[k] = val
	}
	for k, val := range patch {
		out[k] = val
	}
	return out
}

const (
	KeyProcessedIDs = "processed_ids"
	KeySourceURL    = "source_url"
	KeyCursor       = "cursor"
	KeyDiscovered   = "discovered"
	KeyPages        = "pages"
	KeyClassified   = "classified"
	KeyCandidates   = "candidates_built"
	KeyMerged       = "merged"
	KeyMergeOrder   = "merge_order"
	KeyMergeOuter   = "merge_outer"
	KeyMergeInner   = "merge_inner"
	KeyCategories   = "categories"
	KeyPose         = "pose"
)

// Context is the typed resumption context of one job type.
type Context interface {
	JobType() Type
	Encode() Values
}

type ScrapeContext struct {
	SourceURL    string
	Cursor       string
	Discovered   bool
	Pages        int
	ProcessedIDs []string
}

type ClassifyContext struct {
	Classified      bool
	CandidatesBuilt bool
	Merged          bool
	// MergeOrder is the largest-first identity order fixed when merging
	// starts; MergeOuter and MergeInner index the next comparison in it.
	MergeOrder   []string
	MergeOuter   int
	MergeInner   int
	ProcessedIDs []string
}

type OrganizeContext struct {
	Categories   []string
	ProcessedIDs []string
}

type ReposeContext struct {
	Pose         string
	ProcessedIDs []string
}

func (ScrapeContext) JobType() Type   { return TypeScrapeSource }
func (ClassifyContext) JobType() Type { return TypeClassifyIdentities }
func (OrganizeContext) JobType() Type { return TypeOrganizeItems }
func (ReposeContext) JobType() Type   { return TypeReposeBatch }

func (c ScrapeContext) Encode() Values {
	return Values{
		KeySourceURL:    c.SourceURL,
		KeyCursor:       c.Cursor,
		KeyDiscovered:   strconv.FormatBool(c.Discovered),
		KeyPages:        strconv.Itoa(c.Pages),
		KeyProcessedIDs: EncodeList(c.ProcessedIDs),
	}
}

func (c ClassifyContext) Encode() Values {
	return Values{
		KeyClassified:   strconv.FormatBool(c.Classified),
		KeyCandidates:   strconv.FormatBool(c.CandidatesBuilt),
		KeyMerged:       strconv.FormatBool(c.Merged),
		KeyMergeOrder:   EncodeList(c.MergeOrder),
		KeyMergeOuter:   strconv.Itoa(c.MergeOuter),
		KeyMergeInner:   strconv.Itoa(c.MergeInner),
		KeyProcessedIDs: EncodeList(c.ProcessedIDs),
	}
}

func (c OrganizeContext) Encode() Values {
	return Values{
		KeyCategories:   EncodeList(c.Categories),
		KeyProcessedIDs: EncodeList(c.ProcessedIDs),
	}
}

func (c ReposeContext) Encode() Values {
	return Values{
		KeyPose:         c.Pose,
		KeyProcessedIDs: EncodeList(c.ProcessedIDs),
	}
}

// DecodeContext rebuilds the typed context for t from its persisted form.
func DecodeContext(t Type, v Values) (Context, error) {
	processed, err := DecodeList(v[KeyProcessedIDs])
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidContext, KeyProcessedIDs, err)
	}
	switch t {
	case TypeScrapeSource:
		if v[KeySourceURL] == "" {
			return nil, fmt.Errorf("%w: %s is required", ErrInvalidContext, KeySourceURL)
		}
		pages, _ := strconv.Atoi(v[KeyPages])
		return ScrapeContext{
			SourceURL:    v[KeySourceURL],
			Cursor:       v[KeyCursor],
			Discovered:   parseBool(v[KeyDiscovered]),
			Pages:        pages,
			ProcessedIDs: processed,
		}, nil
	case TypeClassifyIdentities:
		order, err := DecodeList(v[KeyMergeOrder])
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidContext, KeyMergeOrder, err)
		}
		outer, _ := strconv.Atoi(v[KeyMergeOuter])
		inner, _ := strconv.Atoi(v[KeyMergeInner])
		return ClassifyContext{
			Classified:      parseBool(v[KeyClassified]),
			CandidatesBuilt: parseBool(v[KeyCandidates]),
			Merged:          parseBool(v[KeyMerged]),
			MergeOrder:      order,
			MergeOuter:      outer,
			MergeInner:      inner,
			ProcessedIDs:    processed,
		}, nil
	case TypeOrganizeItems:
		cats, err := DecodeList(v[KeyCategories])
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidContext, KeyCategories, err)
		}
		if len(cats) == 0 {
			return nil, fmt.Errorf("%w: %s is required", ErrInvalidContext, KeyCategories)
		}
		return OrganizeContext{Categories: cats, ProcessedIDs: processed}, nil
	case TypeReposeBatch:
		if v[KeyPose] == "" {
			return nil, fmt.Errorf("%w: %s is required", ErrInvalidContext, KeyPose)
		}
		return ReposeContext{Pose: v[KeyPose], ProcessedIDs: processed}, nil
	default:
		return nil, ErrUnsupportedJobType
	}
}

// Fresh returns c with its progress dropped and its configuration kept.
func Fresh(c Context) Context {
	switch c := c.(type) {
	case ScrapeContext:
		return ScrapeContext{SourceURL: c.SourceURL}
	case ClassifyContext:
		return ClassifyContext{}
	case OrganizeContext:
		return OrganizeContext{Categories: c.Categories}
	case ReposeContext:
		return ReposeContext{Pose: c.Pose}
	}
	return c
}

// EncodeList stores a string list as a JSON array value.
func EncodeList(items []string) string {
	if len(items) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(items)
	return string(b)
}

func DecodeList(s string) ([]string, error) {
	if s == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func parseBool(s string) bool {
	b, _ := strconv.ParseBool(s)
	return b
}

// ProcessedSet tracks the item ids a job has already finished with.
type ProcessedSet map[string]struct{}

func NewProcessedSet(v Values) ProcessedSet {
	ids, _ := DecodeList(v[KeyProcessedIDs])
	set := make(ProcessedSet, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func (s ProcessedSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

func (s ProcessedSet) Add(ids ...string) {
	for _, id := range ids {
		s[id] = struct{}{}
	}
}

func (s ProcessedSet) Encode() string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return EncodeList(ids)
}
