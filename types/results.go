package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrResultExists is returned when a stage result is written twice.
	ErrResultExists = errors.New("stage result already recorded")
	// ErrUnknownResult is returned for a result type that belongs to no stage.
	ErrUnknownResult = errors.New("unknown stage result type")
)

// StageResult is the payload a stage produces. Each stage has exactly one
// concrete variant so consumers can switch on the type exhaustively.
type StageResult interface {
	Stage() Stage
}

// ResearchResult is produced by the research stage.
type ResearchResult struct {
	KeywordAnalysis    KeywordAnalysis        `json:"keyword_analysis"`
	RelatedKeywords    []string               `json:"related_keywords,omitempty"`
	UserIntent         UserIntent             `json:"user_intent"`
	CompetitorAnalysis CompetitorAnalysis     `json:"competitor_analysis"`
	Opportunity        Opportunity            `json:"seo_opportunity"`
	RealData           map[string]interface{} `json:"real_data,omitempty"`
	ResearchedAt       int64                  `json:"researched_at,omitempty"`
}

type KeywordAnalysis struct {
	PrimaryKeyword   string `json:"primary_keyword"`
	SearchVolume     string `json:"search_volume,omitempty"`
	CompetitionLevel string `json:"competition_level,omitempty"`
	TrendDirection   string `json:"trend_direction,omitempty"`
}

type UserIntent struct {
	PrimaryIntent    string   `json:"primary_intent,omitempty"`
	SecondaryIntents []string `json:"secondary_intents,omitempty"`
}

type CompetitorAnalysis struct {
	TopCompetitors []string `json:"top_competitors,omitempty"`
	ContentGaps    []string `json:"content_gaps,omitempty"`
}

type Opportunity struct {
	Score     float64 `json:"score"`
	Reasoning string  `json:"reasoning,omitempty"`
}

// PlanningResult carries the heading structure that SEMI_AUTO sessions
// hand to a human for approval.
type PlanningResult struct {
	ArticleConcept  ArticleConcept  `json:"article_concept"`
	Headings        []Heading       `json:"headings"`
	ContentStrategy ContentStrategy `json:"content_strategy"`
}

type ArticleConcept struct {
	MainTheme    string `json:"main_theme,omitempty"`
	TargetReader string `json:"target_reader,omitempty"`
	UniqueAngle  string `json:"unique_angle,omitempty"`
}

// Heading is one entry of the article outline, e.g. {"level": "H2", "text": "..."}.
type Heading struct {
	Level    string   `json:"level"`
	Text     string   `json:"text"`
	Keywords []string `json:"keywords,omitempty"`
}

// Validate requires a level between H1 and H6 and non-empty text.
func (h Heading) Validate() error {
	level := strings.ToUpper(strings.TrimSpace(h.Level))
	if len(level) != 2 || level[0] != 'H' || level[1] < '1' || level[1] > '6' {
		return fmt.Errorf("heading level must be H1-H6, got %q", h.Level)
	}
	if strings.TrimSpace(h.Text) == "" {
		return errors.New("heading text is required")
	}
	return nil
}

type ContentStrategy struct {
	WordCountTarget int      `json:"word_count_target,omitempty"`
	FocusKeywords   []string `json:"seo_focus_keywords,omitempty"`
	ContentPillars  []string `json:"content_pillars,omitempty"`
}

// WritingResult is the drafted article.
type WritingResult struct {
	Title           string    `json:"title"`
	MetaDescription string    `json:"meta_description,omitempty"`
	Sections        []Section `json:"sections"`
	WordCount       int       `json:"word_count"`
	KeywordsUsed    []string  `json:"keywords_used,omitempty"`
	QualityScore    float64   `json:"quality_score,omitempty"`
	Iterations      int       `json:"iterations,omitempty"`
}

type Section struct {
	Heading string `json:"heading"`
	Content string `json:"content"`
}

type EditingResult struct {
	Improvements      []string `json:"improvements,omitempty"`
	FinalQualityScore float64  `json:"final_quality_score"`
	EditedAt          int64    `json:"edited_at,omitempty"`
}

type PublishingResult struct {
	Strategy        string   `json:"publishing_strategy,omitempty"`
	SEOChecklist    []string `json:"seo_checklist,omitempty"`
	ReadyForPublish bool     `json:"ready_for_publish"`
	ScheduledAt     string   `json:"scheduled_at,omitempty"`
}

type AnalysisResult struct {
	EstimatedMonthlyViews int     `json:"estimated_monthly_views"`
	ExpectedRanking       string  `json:"expected_ranking,omitempty"`
	SEOScore              float64 `json:"seo_score"`
}

type ImprovementResult struct {
	Recommendations []string `json:"recommendations,omitempty"`
	NextActions     []string `json:"next_actions,omitempty"`
}

func (*ResearchResult) Stage() Stage    { return StageResearch }
func (*PlanningResult) Stage() Stage    { return StagePlanning }
func (*WritingResult) Stage() Stage     { return StageWriting }
func (*EditingResult) Stage() Stage     { return StageEditing }
func (*PublishingResult) Stage() Stage  { return StagePublishing }
func (*AnalysisResult) Stage() Stage    { return StageAnalysis }
func (*ImprovementResult) Stage() Stage { return StageImprovement }

// NewResult returns an empty variant for the stage.
func NewResult(stage Stage) (StageResult, error) {
	switch stage {
	case StageResearch:
		return &ResearchResult{}, nil
	case StagePlanning:
		return &PlanningResult{}, nil
	case StageWriting:
		return &WritingResult{}, nil
	case StageEditing:
		return &EditingResult{}, nil
	case StagePublishing:
		return &PublishingResult{}, nil
	case StageAnalysis:
		return &AnalysisResult{}, nil
	case StageImprovement:
		return &ImprovementResult{}, nil
	default:
		return nil, fmt.Errorf("invalid stage: %q", stage)
	}
}

// DecodeResult decodes raw JSON into the variant for the stage.
func DecodeResult(stage Stage, raw []byte) (StageResult, error) {
	result, err := NewResult(stage)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return nil, fmt.Errorf("decode %s result: %w", stage, err)
	}
	return result, nil
}

// StageResults holds one optional slot per stage. JSON keys come out in
// pipeline order and absent stages are omitted.
type StageResults struct {
	Research    *ResearchResult    `json:"research,omitempty"`
	Planning    *PlanningResult    `json:"planning,omitempty"`
	Writing     *WritingResult     `json:"writing,omitempty"`
	Editing     *EditingResult     `json:"editing,omitempty"`
	Publishing  *PublishingResult  `json:"publishing,omitempty"`
	Analysis    *AnalysisResult    `json:"analysis,omitempty"`
	Improvement *ImprovementResult `json:"improvement,omitempty"`
}

// Get returns the result recorded for the stage.
func (r StageResults) Get(stage Stage) (StageResult, bool) {
	var out StageResult
	switch stage {
	case StageResearch:
		if r.Research != nil {
			out = r.Research
		}
	case StagePlanning:
		if r.Planning != nil {
			out = r.Planning
		}
	case StageWriting:
		if r.Writing != nil {
			out = r.Writing
		}
	case StageEditing:
		if r.Editing != nil {
			out = r.Editing
		}
	case StagePublishing:
		if r.Publishing != nil {
			out = r.Publishing
		}
	case StageAnalysis:
		if r.Analysis != nil {
			out = r.Analysis
		}
	case StageImprovement:
		if r.Improvement != nil {
			out = r.Improvement
		}
	}
	return out, out != nil
}

// Has reports whether the stage has a recorded result.
func (r StageResults) Has(stage Stage) bool {
	_, ok := r.Get(stage)
	return ok
}

// Set records a result. Each slot can be written once.
func (r *StageResults) Set(result StageResult) error {
	if result == nil {
		return fmt.Errorf("%w: nil", ErrUnknownResult)
	}
	if r.Has(result.Stage()) {
		return fmt.Errorf("%w: %s", ErrResultExists, result.Stage())
	}
	switch v := result.(type) {
	case *ResearchResult:
		r.Research = v
	case *PlanningResult:
		r.Planning = v
	case *WritingResult:
		r.Writing = v
	case *EditingResult:
		r.Editing = v
	case *PublishingResult:
		r.Publishing = v
	case *AnalysisResult:
		r.Analysis = v
	case *ImprovementResult:
		r.Improvement = v
	default:
		return fmt.Errorf("%w: %T", ErrUnknownResult, result)
	}
	return nil
}

// Keys lists recorded stages in pipeline order.
func (r StageResults) Keys() []Stage {
	keys := make([]Stage, 0, TotalStages)
	for _, stage := range stageOrder {
		if r.Has(stage) {
			keys = append(keys, stage)
		}
	}
	return keys
}

// Len returns the number of recorded stages.
func (r StageResults) Len() int { return len(r.Keys()) }

// Clone returns a deep copy.
func (r StageResults) Clone() StageResults {
	var out StageResults
	data, err := json.Marshal(r)
	if err != nil {
		return r
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return r
	}
	return out
}
