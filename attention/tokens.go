package attention

import (
	"fmt"
	"strings"
)

// Tokenizer maps prompts onto the token positions attention keys are laid
// out in.
type Tokenizer interface {
	// Encode returns the token ids of text, including the start and end
	// markers.
	Encode(text string) []int32
	Decode(ids []int32) string
	// MaxLength is the padded token length of every prompt.
	MaxLength() int
}

func words(text string) []string {
	return strings.Split(text, " ")
}

// WordIndices returns the token positions (counting the start marker) that
// spell out every occurrence of word in text.
func WordIndices(tok Tokenizer, text, word string) []int {
	var places []int
	for i, w := range words(text) {
		if w == word {
			places = append(places, i)
		}
	}
	return wordTokens(tok, text, places)
}

// PlaceIndices is WordIndices for the word at position place of text.
func PlaceIndices(tok Tokenizer, text string, place int) []int {
	return wordTokens(tok, text, []int{place})
}

func wordTokens(tok Tokenizer, text string, places []int) []int {
	if len(places) == 0 {
		return nil
	}

	split := words(text)
	ids := tok.Encode(text)
	if len(ids) < 2 {
		return nil
	}

	want := make(map[int]bool, len(places))
	for _, p := range places {
		want[p] = true
	}

	var out []int
	cur, ptr := 0, 0
	for i, id := range ids[1 : len(ids)-1] {
		if ptr >= len(split) {
			break
		}
		piece := strings.Trim(tok.Decode([]int32{id}), "# ")
		cur += len(piece)
		if want[ptr] {
			out = append(out, i+1)
		}
		if cur >= len(split[ptr]) {
			ptr++
			cur = 0
		}
	}
	return out
}

// ResolveReplace reports whether a replace-style edit can be used: the
// caller must ask for it and both prompts must have the same word count.
func ResolveReplace(source, target string, requested bool) bool {
	return requested && len(words(source)) == len(words(target))
}

// replaceMapper builds the n×n matrix that maps source token positions onto
// target token positions for prompts with equal word counts. Words whose
// token counts differ are spread evenly across the target tokens.
func replaceMapper(tok Tokenizer, source, target string) ([]float32, error) {
	n := tok.MaxLength()
	src, tgt := words(source), words(target)
	if len(src) != len(tgt) {
		return nil, fmt.Errorf("attention: replace edit needs equal word counts, got %d and %d", len(src), len(tgt))
	}

	var srcInds, tgtInds [][]int
	for i := range src {
		if src[i] != tgt[i] {
			srcInds = append(srcInds, PlaceIndices(tok, source, i))
			tgtInds = append(tgtInds, PlaceIndices(tok, target, i))
		}
	}

	mapper := make([]float32, n*n)
	set := func(r, c int, v float32) {
		if r < n && c < n {
			mapper[r*n+c] = v
		}
	}

	cur, i, j := 0, 0, 0
	for i < n && j < n {
		if cur < len(srcInds) && len(srcInds[cur]) > 0 && srcInds[cur][0] == i {
			s, t := srcInds[cur], tgtInds[cur]
			if len(s) == len(t) {
				for k := range s {
					set(s[k], t[k], 1)
				}
			} else if len(t) > 0 {
				ratio := 1 / float32(len(t))
				for _, r := range s {
					for _, c := range t {
						set(r, c, ratio)
					}
				}
			}
			cur++
			i += len(s)
			j += len(t)
		} else if cur < len(srcInds) && len(srcInds[cur]) == 0 {
			cur++
		} else if cur < len(srcInds) {
			set(i, j, 1)
			i++
			j++
		} else {
			// past the last replaced word the target positions map onto
			// themselves
			set(j, j, 1)
			i++
			j++
		}
	}
	return mapper, nil
}

// alignment scores for the global alignment of two token sequences
const (
	gapScore      = 0
	matchScore    = 1
	mismatchScore = -1
)

// align computes the Needleman-Wunsch global alignment of x and y and returns,
// for every position of y, the aligned position in x or -1 when it was
// aligned against a gap.
func align(x, y []int32) []int {
	rows, cols := len(x)+1, len(y)+1
	score := make([]int, rows*cols)
	trace := make([]uint8, rows*cols)
	const (
		fromLeft = 1
		fromUp   = 2
		fromDiag = 3
	)

	for i := 1; i < rows; i++ {
		score[i*cols] = i * gapScore
		trace[i*cols] = fromUp
	}
	for j := 1; j < cols; j++ {
		score[j] = j * gapScore
		trace[j] = fromLeft
	}
	trace[0] = 4

	for i := 1; i < rows; i++ {
		for j := 1; j < cols; j++ {
			left := score[i*cols+j-1] + gapScore
			up := score[(i-1)*cols+j] + gapScore
			s := mismatchScore
			if x[i-1] == y[j-1] {
				s = matchScore
			}
			diag := score[(i-1)*cols+j-1] + s

			best, dir := left, uint8(fromLeft)
			if up > best {
				best, dir = up, fromUp
			}
			if diag > best {
				best, dir = diag, fromDiag
			}
			score[i*cols+j] = best
			trace[i*cols+j] = dir
		}
	}

	out := make([]int, len(y))
	i, j := len(x), len(y)
	for i > 0 || j > 0 {
		switch trace[i*cols+j] {
		case fromDiag:
			out[j-1] = i - 1
			i--
			j--
		case fromLeft:
			out[j-1] = -1
			j--
		default:
			i--
		}
	}
	return out
}

// refineMapper maps every target token onto the source token it aligns with.
// alphas is 1 for aligned tokens and 0 for tokens that only exist in target.
func refineMapper(tok Tokenizer, source, target string) (mapper []int, alphas []float32) {
	n := tok.MaxLength()
	x, y := truncate(tok.Encode(source), n), truncate(tok.Encode(target), n)

	mapper = make([]int, n)
	alphas = make([]float32, n)
	for j, i := range align(x, y) {
		if i >= 0 {
			mapper[j] = i
			alphas[j] = 1
		}
	}
	for j := len(y); j < n; j++ {
		mapper[j] = j
		alphas[j] = 1
	}
	return mapper, alphas
}

func truncate(ids []int32, n int) []int32 {
	if len(ids) > n {
		return ids[:n]
	}
	return ids
}

// Equalizer scales the attention paid to selected words of the target prompt.
type Equalizer struct {
	Words  []string  `yaml:"words" mapstructure:"words"`
	Values []float64 `yaml:"values" mapstructure:"values"`
}

// weights returns one multiplier per token position.
func (e *Equalizer) weights(tok Tokenizer, text string) ([]float32, error) {
	if len(e.Words) != len(e.Values) {
		return nil, fmt.Errorf("attention: equalizer has %d words and %d values", len(e.Words), len(e.Values))
	}

	eq := make([]float32, tok.MaxLength())
	for i := range eq {
		eq[i] = 1
	}
	for i, w := range e.Words {
		for _, idx := range WordIndices(tok, text, w) {
			if idx < len(eq) {
				eq[idx] = float32(e.Values[i])
			}
		}
	}
	return eq, nil
}
