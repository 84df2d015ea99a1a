package strategy

import (
	"context"
	"fmt"
	"math"
	"strings"
	"unicode"

	"ensemblebot/internal/config"
)

var (
	positiveWords = map[string]bool{
		"yes": true, "definitely": true, "likely": true, "probable": true,
		"confident": true, "will": true, "expect": true, "sure": true,
		"bullish": true, "agree": true, "certain": true, "obviously": true,
	}
	negativeWords = map[string]bool{
		"no": true, "unlikely": true, "doubtful": true, "won't": true,
		"impossible": true, "bearish": true, "disagree": true, "improbable": true,
		"doubt": true, "never": true, "wrong": true, "overpriced": true,
	}
)

// SentimentAnalyzer reads the crowd: keyword polarity of recent comments
// blended with the YES share of recent bet volume.
type SentimentAnalyzer struct {
	cfg config.SentimentConfig
}

func NewSentimentAnalyzer(cfg config.SentimentConfig) *SentimentAnalyzer {
	return &SentimentAnalyzer{cfg: cfg}
}

func (s *SentimentAnalyzer) Name() string  { return NameSentiment }
func (s *SentimentAnalyzer) Enabled() bool { return s.cfg.Enabled }

func (s *SentimentAnalyzer) Evaluate(_ context.Context, snap MarketSnapshot, hist HistoryContext) Result {
	comments := hist.Comments
	if s.cfg.RecentComments > 0 && len(comments) > s.cfg.RecentComments {
		comments = comments[:s.cfg.RecentComments]
	}
	if len(comments) < s.cfg.MinComments {
		return Abstain(s.Name(), snap.ID, fmt.Sprintf("only %d comments", len(comments)))
	}
	bets := hist.Bets
	if s.cfg.RecentBets > 0 && len(bets) > s.cfg.RecentBets {
		bets = bets[:s.cfg.RecentBets]
	}

	commentScore := commentPolarity(comments)
	betScore, hasBets := betPolarity(bets)
	combined := commentScore
	if hasBets {
		combined = commentScore*0.6 + betScore*0.4
	}

	lean := combined - 0.5
	margin := math.Abs(s.cfg.SentimentThreshold - 0.5)
	if math.Abs(lean) < margin || lean == 0 {
		return Abstain(s.Name(), snap.ID, fmt.Sprintf("sentiment %.2f not decisive", combined))
	}

	dir := Yes
	if lean < 0 {
		dir = No
	}

	activity := math.Min(1, float64(len(comments)+len(bets))/30)
	agreement := 1.0
	if hasBets && (commentScore-0.5)*(betScore-0.5) < 0 {
		agreement = 0.5
	}
	clarity := math.Min(1, math.Abs(lean)*2)
	strength := clarity * (0.5 + 0.5*activity) * agreement

	confidence := clamp(
		math.Min(1, float64(len(comments))/10)*0.4+
			math.Min(1, float64(len(bets))/20)*0.3+
			clarity*0.3,
		0.2, 0.8)

	return Emit(Signal{
		Direction:  dir,
		Confidence: confidence,
		Strength:   strength,
		Rationale: fmt.Sprintf("comment sentiment %.2f, bet flow %.2f across %d comments and %d bets",
			commentScore, betScore, len(comments), len(bets)),
	})
}

// commentPolarity averages the positive share of polar words over comments
// that contain any. 0.5 means neutral.
func commentPolarity(comments []Comment) float64 {
	var sum float64
	var scored int
	for _, c := range comments {
		pos, neg := countPolarity(c.Text)
		if pos+neg == 0 {
			continue
		}
		sum += float64(pos) / float64(pos+neg)
		scored++
	}
	if scored == 0 {
		return 0.5
	}
	return sum / float64(scored)
}

func countPolarity(text string) (pos, neg int) {
	text = strings.ToLower(strings.ReplaceAll(text, "’", "'"))
	words := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	})
	for _, w := range words {
		w = strings.Trim(w, "'")
		switch {
		case positiveWords[w]:
			pos++
		case negativeWords[w]:
			neg++
		}
	}
	return pos, neg
}

// betPolarity is the share of recent bet volume placed on YES.
func betPolarity(bets []Trade) (float64, bool) {
	var yes, total float64
	for _, b := range bets {
		amt := math.Abs(b.Amount)
		switch b.Outcome {
		case Yes:
			yes += amt
			total += amt
		case No:
			total += amt
		}
	}
	if total == 0 {
		return 0.5, false
	}
	return yes / total, true
}
