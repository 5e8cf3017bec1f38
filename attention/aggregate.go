package attention

import (
	"gonum.org/v1/gonum/floats"
)

// TokenAttention is the averaged cross-attention one prompt token received.
type TokenAttention struct {
	Index int
	Token string
	// Map is laid out as (frames, res, res).
	Map []float64
	// Mean is the average weight over Map.
	Mean float64
	// Peak is the largest weight in Map.
	Peak float64
}

// AggregateCross averages the cross-attention maps of places recorded at
// res×res per frame over every layer and head, and splits the result per
// token of prompt.
func AggregateCross(avg StepMaps, tok Tokenizer, prompt string, res, frames int, places []Place) []TokenAttention {
	queries := frames * res * res
	var (
		sum   []float64
		keys  int
		count int
	)

	for _, place := range places {
		for _, m := range avg[KeyFor(place, true)] {
			if m.Queries != queries || m.Rows == 0 {
				continue
			}
			if sum == nil {
				keys = m.Keys
				sum = make([]float64, queries*keys)
			}
			if m.Keys != keys {
				continue
			}
			scale := 1 / float64(m.Rows)
			for i, v := range m.Data {
				sum[i%len(sum)] += float64(v) * scale
			}
			count++
		}
	}
	if count == 0 {
		return nil
	}
	floats.Scale(1/float64(count), sum)

	ids := tok.Encode(prompt)
	out := make([]TokenAttention, 0, len(ids))
	for i, id := range ids {
		if i >= keys {
			break
		}
		tm := make([]float64, queries)
		for q := range queries {
			tm[q] = sum[q*keys+i]
		}
		out = append(out, TokenAttention{
			Index: i,
			Token: tok.Decode([]int32{id}),
			Map:   tm,
			Mean:  floats.Sum(tm) / float64(queries),
			Peak:  floats.Max(tm),
		})
	}
	return out
}
