package features

// bucketTable maps a feature name to an ordered set of (lower bound, label)
// bands, evaluated highest-bound-first. Tables are fixed per feature and are
// part of the versioned schema (spec.md §4.1 "Bucketing").
var bucketTable = map[string][]band{
	"rsi": {
		{70, "overbought"},
		{60, "strong"},
		{40, "neutral"},
		{30, "weak"},
		{0, "oversold"},
	},
	"adx": {
		{40, "strong_trend"},
		{25, "trending"},
		{20, "developing"},
		{0, "no_trend"},
	},
	"volume_zscore": {
		{2.0, "surge"},
		{1.0, "elevated"},
		{-1.0, "normal"},
		{-999, "quiet"},
	},
}

type band struct {
	lowerBound float64
	label      string
}

// Bucketize converts numeric feature values into categorical labels per the
// fixed bucket tables above. Features with no declared table, or whose
// value is the sentinel, are omitted from the result.
func Bucketize(values map[string]float64) map[string]string {
	out := make(map[string]string, len(bucketTable))
	for feature, bands := range bucketTable {
		v, ok := values[feature]
		if !ok || v == Sentinel {
			continue
		}
		for _, b := range bands {
			if v >= b.lowerBound {
				out[feature] = b.label
				break
			}
		}
	}
	return out
}
