package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// ErrMalformedResponse is returned for model replies missing a required
// field or carrying an out-of-range number.
var ErrMalformedResponse = errors.New("malformed analyst response")

// Completer sends one prompt to a language model.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// LLMAnalyst asks a language model for its own probability estimate and
// turns the structured reply into a signal. A rejected API key disables
// the analyst for the rest of the process.
type LLMAnalyst struct {
	client       Completer
	enabled      atomic.Bool
	unauthorized error
}

// NewLLMAnalyst returns an analyst that is enabled only when client is
// non-nil. unauthorized is the client error that should disable it.
func NewLLMAnalyst(client Completer, unauthorized error) *LLMAnalyst {
	a := &LLMAnalyst{client: client, unauthorized: unauthorized}
	a.enabled.Store(client != nil)
	return a
}

func (a *LLMAnalyst) Name() string  { return NameLLM }
func (a *LLMAnalyst) Enabled() bool { return a.enabled.Load() }

func (a *LLMAnalyst) Evaluate(ctx context.Context, snap MarketSnapshot, hist HistoryContext) Result {
	now := hist.Now
	if now.IsZero() {
		now = time.Now()
	}

	reply, err := a.client.Complete(ctx, buildPrompt(snap, now))
	if err != nil {
		if a.unauthorized != nil && errors.Is(err, a.unauthorized) {
			a.enabled.Store(false)
			slog.Warn("llm analyst disabled: api key rejected")
		}
		return Fail(a.Name(), snap.ID, err)
	}

	est, err := parseEstimate(reply, snap.Probability)
	if err != nil {
		slog.Debug("unparseable analyst reply", "market", snap.ID, "reply", reply)
		return Fail(a.Name(), snap.ID, err)
	}
	if est.direction == None {
		return Abstain(a.Name(), snap.ID, est.reasoning)
	}

	return Emit(Signal{
		Direction:  est.direction,
		Confidence: est.confidence,
		Strength:   est.strength,
		Rationale:  fmt.Sprintf("estimate %.2f: %s", est.probability, est.reasoning),
	})
}

func buildPrompt(snap MarketSnapshot, now time.Time) string {
	horizon := "no close date"
	if !snap.CloseTime.IsZero() {
		days := snap.CloseTime.Sub(now).Hours() / 24
		horizon = fmt.Sprintf("closes %s (%.0f days from now)", snap.CloseTime.UTC().Format("2006-01-02"), math.Max(0, days))
	}

	return fmt.Sprintf(`You are an expert prediction market analyst. Analyze this prediction market question and provide your assessment.

QUESTION: %s

CURRENT MARKET PROBABILITY: %.1f%%

TIME HORIZON: %s

TRADERS: %d, VOLUME: %.0f mana

Your task is to estimate the TRUE probability of this event occurring. Consider:
1. Base rates and historical precedents
2. The specific resolution criteria
3. Time horizon until resolution
4. Any logical or statistical reasoning
5. Potential biases in the current market price

Respond in this exact format:

PROBABILITY: [your probability estimate as a number between 0 and 1]
CONFIDENCE: [your confidence in this estimate, 0 to 1]
DIRECTION: [YES or NO - which direction you'd bet]
REASONING: [2-3 sentences explaining your estimate]
STRENGTH: [signal strength 0 to 1, how strongly you feel about this trade]

Now analyze the question above:`,
		snap.Question, snap.Probability*100, horizon, snap.UniqueTraders, snap.Volume)
}

type estimate struct {
	probability float64
	confidence  float64
	direction   Direction
	reasoning   string
	strength    float64
}

// parseEstimate reads the KEY: value reply. STRENGTH is optional and
// defaults to the estimate's distance from the market scaled by confidence.
func parseEstimate(reply string, marketProb float64) (estimate, error) {
	var est estimate
	var haveProb, haveConf, haveDir, haveStrength bool
	var reasoning []string
	inReasoning := false

	for _, raw := range strings.Split(reply, "\n") {
		line := strings.TrimSpace(strings.Trim(strings.TrimSpace(raw), "*#"))
		key, value, found := strings.Cut(line, ":")
		key = strings.ToUpper(strings.TrimSpace(strings.Trim(key, "*")))
		value = strings.TrimSpace(strings.Trim(value, "* "))

		if !found || !isField(key) {
			if inReasoning && line != "" {
				reasoning = append(reasoning, line)
			}
			continue
		}
		inReasoning = false

		var err error
		switch key {
		case "PROBABILITY":
			est.probability, err = parseUnit(value)
			haveProb = true
		case "CONFIDENCE":
			est.confidence, err = parseUnit(value)
			haveConf = true
		case "DIRECTION":
			var ok bool
			if fields := strings.Fields(value); len(fields) > 0 {
				est.direction, ok = ParseDirection(strings.TrimRight(fields[0], ",.;"))
			}
			if !ok {
				err = fmt.Errorf("direction %q", value)
			}
			haveDir = true
		case "REASONING":
			inReasoning = true
			if value != "" {
				reasoning = append(reasoning, value)
			}
		case "STRENGTH":
			est.strength, err = parseUnit(value)
			haveStrength = true
		}
		if err != nil {
			return estimate{}, fmt.Errorf("%w: %s: %v", ErrMalformedResponse, strings.ToLower(key), err)
		}
	}

	est.reasoning = strings.Join(reasoning, " ")
	switch {
	case !haveProb:
		return estimate{}, fmt.Errorf("%w: missing probability", ErrMalformedResponse)
	case !haveConf:
		return estimate{}, fmt.Errorf("%w: missing confidence", ErrMalformedResponse)
	case !haveDir:
		return estimate{}, fmt.Errorf("%w: missing direction", ErrMalformedResponse)
	case est.reasoning == "":
		return estimate{}, fmt.Errorf("%w: missing reasoning", ErrMalformedResponse)
	}
	if !haveStrength {
		est.strength = math.Min(1, math.Abs(est.probability-marketProb)*est.confidence*2)
	}
	return est, nil
}

func isField(key string) bool {
	switch key {
	case "PROBABILITY", "CONFIDENCE", "DIRECTION", "REASONING", "STRENGTH":
		return true
	}
	return false
}

// parseUnit parses a number in [0,1], also accepting a percentage.
func parseUnit(s string) (float64, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return 0, errors.New("empty value")
	}
	s = strings.TrimRight(fields[0], ",.;")
	scale := 1.0
	if strings.HasSuffix(s, "%") {
		s = strings.TrimSuffix(s, "%")
		scale = 100
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	v /= scale
	if math.IsNaN(v) || v < 0 || v > 1 {
		return 0, fmt.Errorf("%v out of range", v)
	}
	return v, nil
}
