// Package trend ranks items by how fast their vote activity grows, using a
// KL-divergence style score between a short current window and a longer
// previous window.
package trend

import (
	"errors"
	"math"
	"sort"

	"github.com/cccoin/witness/internal/models"
)

// Config holds the scorer parameters.
type Config struct {
	// Window is the length W of the current window.
	Window int
	// PrevMultiple is M; the previous window holds W*M steps.
	PrevMultiple int
	// Floor clamps window values from below so the logarithm stays finite.
	Floor float64
	// AbsoluteInput means observed values are running totals that must be
	// converted to per-step rates.
	AbsoluteInput bool
	// Decay emits the item's best score halved every HalfLife steps instead
	// of the current score.
	Decay    bool
	HalfLife float64
}

// DefaultConfig returns the parameters the witness runs with.
func DefaultConfig() Config {
	return Config{Window: 7, PrevMultiple: 1, Floor: 1, HalfLife: 1}
}

// Validate checks the parameters.
func (c Config) Validate() error {
	switch {
	case c.Window < 1:
		return errors.New("trend window must be at least 1")
	case c.PrevMultiple < 1:
		return errors.New("trend previous window multiple must be at least 1")
	case !(c.Floor > 0):
		return errors.New("trend floor must be positive")
	case c.Decay && !(c.HalfLife > 0):
		return errors.New("trend half-life must be positive")
	}
	return nil
}

type series struct {
	window   []float64
	prev     float64
	prevStep int
	maxScore float64
	maxStep  int
}

// Scorer keeps the sliding window of every item seen so far. It is not safe
// for concurrent use.
type Scorer struct {
	cfg   Config
	total int
	step  int
	items map[string]*series
}

// NewScorer creates a scorer.
func NewScorer(cfg Config) (*Scorer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Scorer{
		cfg:   cfg,
		total: cfg.Window + cfg.Window*cfg.PrevMultiple,
		items: make(map[string]*series),
	}, nil
}

// Step returns the index the next ObserveStep call will be scored at.
func (s *Scorer) Step() uint64 {
	return uint64(s.step)
}

// ObserveStep appends one step of values and returns the ranking of every
// known item, best first. Nothing is returned until the windows are full.
func (s *Scorer) ObserveStep(values map[string]float64) []models.ScoreRecord {
	c := s.step
	s.step++

	for id, v := range values {
		it, ok := s.items[id]
		if !ok {
			it = &series{
				window:   make([]float64, s.total),
				prev:     v,
				prevStep: c - 1,
				maxScore: math.Inf(-1),
			}
			s.items[id] = it
		}
		x := v
		if s.cfg.AbsoluteInput {
			x = (v - it.prev) / float64(c-it.prevStep)
		}
		it.push(x)
		it.prev = v
		it.prevStep = c
	}
	for id, it := range s.items {
		if _, ok := values[id]; !ok {
			it.push(0)
		}
	}

	if c < s.total {
		return nil
	}

	out := make([]models.ScoreRecord, 0, len(s.items))
	for id, it := range s.items {
		window := make([]float64, s.total)
		for i, x := range it.window {
			window[i] = math.Max(s.cfg.Floor, x)
		}
		score := s.score(window)
		if score > it.maxScore {
			it.maxScore = score
			it.maxStep = c
		}
		if s.cfg.Decay {
			score = it.maxScore * math.Pow(0.5, float64(c-it.maxStep)/s.cfg.HalfLife)
		}
		out = append(out, models.ScoreRecord{ItemID: id, Score: score, Window: window, Step: uint64(c)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ItemID < out[j].ItemID
	})
	return out
}

// score compares the mean of the last W values with the mean of the W*M
// before them. Fewer than W previous values above the floor score 0.
func (s *Scorer) score(window []float64) float64 {
	w := s.cfg.Window
	prevWin, curWin := window[:len(window)-w], window[len(window)-w:]

	above := 0
	for _, x := range prevWin {
		if x > s.cfg.Floor {
			above++
		}
	}
	if above < w {
		return 0
	}
	cur := mean(curWin)
	prev := mean(prevWin)
	return prev * math.Log(cur/prev)
}

func (it *series) push(x float64) {
	copy(it.window, it.window[1:])
	it.window[len(it.window)-1] = x
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
