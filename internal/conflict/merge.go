package conflict

import "satukolab/pkg/model"

// MergeStrategy proposes a merged value for a set of competing values. It
// reports false when it has no proposal.
type MergeStrategy interface {
	Merge(values []model.CompetingValue) (any, bool)
}

// MergeFunc adapts a function to MergeStrategy.
type MergeFunc func(values []model.CompetingValue) (any, bool)

func (f MergeFunc) Merge(values []model.CompetingValue) (any, bool) { return f(values) }

// LongestOrLatest is the default placeholder policy: for text it keeps the
// longest string, otherwise the most recent submission. Ties go to the most
// recent submission.
type LongestOrLatest struct{}

func (LongestOrLatest) Merge(values []model.CompetingValue) (any, bool) {
	if len(values) == 0 {
		return nil, false
	}
	if allStrings(values) {
		best := values[0]
		for _, v := range values[1:] {
			s, b := v.Value.(string), best.Value.(string)
			if len(s) > len(b) || (len(s) == len(b) && v.ObservedAt.After(best.ObservedAt)) {
				best = v
			}
		}
		return best.Value, true
	}
	return latest(values).Value, true
}

func allStrings(values []model.CompetingValue) bool {
	for _, v := range values {
		if _, ok := v.Value.(string); !ok {
			return false
		}
	}
	return len(values) > 0
}

func latest(values []model.CompetingValue) model.CompetingValue {
	best := values[0]
	for _, v := range values[1:] {
		if v.ObservedAt.After(best.ObservedAt) {
			best = v
		}
	}
	return best
}
