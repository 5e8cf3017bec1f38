package attention

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chunkTokenizer splits every word into pieces of at most four bytes.
type chunkTokenizer struct {
	vocab  map[string]int32
	pieces []string
	max    int
}

func newChunkTokenizer(max int) *chunkTokenizer {
	return &chunkTokenizer{
		vocab:  map[string]int32{"<s>": 0, "</s>": 1},
		pieces: []string{"<s>", "</s>"},
		max:    max,
	}
}

func (t *chunkTokenizer) id(p string) int32 {
	if id, ok := t.vocab[p]; ok {
		return id
	}
	id := int32(len(t.pieces))
	t.vocab[p] = id
	t.pieces = append(t.pieces, p)
	return id
}

func (t *chunkTokenizer) Encode(text string) []int32 {
	ids := []int32{0}
	for _, w := range strings.Fields(text) {
		for len(w) > 4 {
			ids = append(ids, t.id(w[:4]))
			w = w[4:]
		}
		ids = append(ids, t.id(w))
	}
	return append(ids, 1)
}

func (t *chunkTokenizer) Decode(ids []int32) string {
	var sb strings.Builder
	for _, id := range ids {
		sb.WriteString(t.pieces[id])
	}
	return sb.String()
}

func (t *chunkTokenizer) MaxLength() int { return t.max }

func TestWordIndices(t *testing.T) {
	tok := newChunkTokenizer(16)

	assert.Equal(t, []int{2, 3}, WordIndices(tok, "a kitten on grass", "kitten"))
	assert.Equal(t, []int{5, 6}, WordIndices(tok, "a kitten on grass", "grass"))
	assert.Equal(t, []int{1, 3}, WordIndices(tok, "a cat a dog", "a"))
	assert.Nil(t, WordIndices(tok, "a cat", "dog"))
	assert.Equal(t, []int{2}, PlaceIndices(tok, "a cat", 1))
}

func TestResolveReplace(t *testing.T) {
	assert.True(t, ResolveReplace("a cat on grass", "a dog on grass", true))
	assert.False(t, ResolveReplace("a cat on grass", "a dog on grass", false))
	assert.False(t, ResolveReplace("a cat", "a red cat", true))
}

func TestReplaceMapper(t *testing.T) {
	tok := newChunkTokenizer(8)

	t.Run("same token count", func(t *testing.T) {
		m, err := replaceMapper(tok, "a cat on grass", "a dog on grass")
		require.NoError(t, err)
		for i := range 8 {
			for j := range 8 {
				want := float32(0)
				if i == j {
					want = 1
				}
				assert.Equal(t, want, m[i*8+j], "mapper[%d][%d]", i, j)
			}
		}
	})

	t.Run("split word", func(t *testing.T) {
		m, err := replaceMapper(tok, "a cat", "a kitten")
		require.NoError(t, err)
		assert.Equal(t, float32(1), m[0*8+0])
		assert.Equal(t, float32(1), m[1*8+1])
		assert.Equal(t, float32(0.5), m[2*8+2])
		assert.Equal(t, float32(0.5), m[2*8+3])
		assert.Equal(t, float32(1), m[4*8+4])
	})

	_, err := replaceMapper(tok, "a cat", "a red cat")
	require.Error(t, err)
}

func TestAlign(t *testing.T) {
	// <s> a cat </s> against <s> a red cat </s>
	got := align([]int32{0, 2, 3, 1}, []int32{0, 2, 4, 3, 1})
	assert.Equal(t, []int{0, 1, -1, 2, 3}, got)

	assert.Equal(t, []int{0, 1, 2}, align([]int32{5, 6, 7}, []int32{5, 6, 7}))
}

func TestRefineMapper(t *testing.T) {
	tok := newChunkTokenizer(8)

	mapper, alphas := refineMapper(tok, "a cat", "a red cat")
	assert.Equal(t, []int{0, 1, 0, 2, 3, 5, 6, 7}, mapper)
	assert.Equal(t, []float32{1, 1, 0, 1, 1, 1, 1, 1}, alphas)
}

func TestEqualizer(t *testing.T) {
	tok := newChunkTokenizer(6)

	eq, err := (&Equalizer{Words: []string{"red"}, Values: []float64{2}}).weights(tok, "a red cat")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 1, 2, 1, 1, 1}, eq)

	_, err = (&Equalizer{Words: []string{"red"}}).weights(tok, "a red cat")
	require.Error(t, err)
}

func TestWordAlphas(t *testing.T) {
	tok := newChunkTokenizer(6)

	a, err := newWordAlphas(tok, "a dog", 17, 0.5, nil)
	require.NoError(t, err)
	for step := range 17 {
		assert.Equal(t, step <= 8, a.active(step), "step %d", step)
	}

	a, err = newWordAlphas(tok, "a dog", 10, 0.2, map[string]float64{"dog": 1})
	require.NoError(t, err)
	assert.Equal(t, float32(1), a.row(9)[2])
	assert.Equal(t, float32(0), a.row(9)[1])

	_, err = newWordAlphas(tok, "a dog", 10, 1.5, nil)
	require.Error(t, err)
}
