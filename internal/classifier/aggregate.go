package classifier

import (
	"github.com/yoman-app/yoman/internal/config"
	"github.com/yoman-app/yoman/internal/model"
)

// Tiers are the base confidences for the three agreement shapes.
type Tiers struct {
	Unanimous float64
	Split     float64
	Fallback  float64
}

// DefaultTiers returns the provisional tier values.
func DefaultTiers() Tiers {
	return Tiers{Unanimous: 0.95, Split: 0.6, Fallback: 0.8}
}

// TiersFromConfig reads tiers from guard config.
func TiersFromConfig(c config.GuardConfig) Tiers {
	return Tiers{Unanimous: c.UnanimousTier, Split: c.SplitTier, Fallback: c.FallbackTier}
}

// Decision is the aggregated classification.
type Decision struct {
	Intent     model.Intent
	Confidence float64
	// Split is set when valid voters disagreed.
	Split bool
	// Alternatives lists the other intents that received votes, in vote
	// order, when Split is set.
	Alternatives []model.Intent
	ValidVotes   int
}

// Aggregate combines votes given in configured voter order. The intent with
// the most votes wins; a tie goes to the primary voter's intent when it is
// among the tied, else to the earliest voter's. The second return is false
// when no vote is valid.
func Aggregate(votes []model.Vote, primary string, tiers Tiers) (Decision, bool) {
	counts := make(map[model.Intent]int)
	var order []model.Intent
	valid := 0
	for _, v := range votes {
		if !v.Valid() {
			continue
		}
		valid++
		if counts[v.Intent] == 0 {
			order = append(order, v.Intent)
		}
		counts[v.Intent]++
	}
	if valid == 0 {
		return Decision{}, false
	}

	best := 0
	for _, n := range counts {
		best = max(best, n)
	}

	winner := model.Intent("")
	for _, v := range votes {
		if v.Valid() && v.Voter == primary && counts[v.Intent] == best {
			winner = v.Intent
			break
		}
	}
	if winner == "" {
		for _, in := range order {
			if counts[in] == best {
				winner = in
				break
			}
		}
	}

	var sum float64
	for _, v := range votes {
		if v.Valid() && v.Intent == winner {
			sum += v.Confidence
		}
	}
	mean := sum / float64(counts[winner])

	d := Decision{Intent: winner, ValidVotes: valid}
	tier := tiers.Fallback
	switch {
	case valid == 1:
	case len(counts) == 1:
		tier = tiers.Unanimous
	default:
		tier = tiers.Split
		d.Split = true
		for _, in := range order {
			if in != winner {
				d.Alternatives = append(d.Alternatives, in)
			}
		}
	}
	d.Confidence = (tier + mean) / 2
	return d, true
}
