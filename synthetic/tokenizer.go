// Package synthetic provides small deterministic stand-ins for the model
// components a pipeline is built from. They are cheap enough to run a full
// edit on the CPU and are used by tests and the simulate command.
package synthetic

import (
	"strings"
	"sync"

	"github.com/ollama/videoedit/logutil"
)

const (
	BOS int32 = 0
	EOS int32 = 1

	// DefaultMaxLength is the padded prompt length.
	DefaultMaxLength = 77

	pieceLen = 5
	// continuation pieces carry the word piece marker
	subwordPrefix = "##"
)

// Tokenizer is a word piece tokenizer whose vocabulary grows as it sees new
// pieces. A word is split into pieces of at most five bytes; every piece
// after the first is marked with "##".
type Tokenizer struct {
	maxLength int

	mu     sync.Mutex
	vocab  map[string]int32
	values []string
}

func NewTokenizer(maxLength int) *Tokenizer {
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	return &Tokenizer{
		maxLength: maxLength,
		vocab:     map[string]int32{"<|startoftext|>": BOS, "<|endoftext|>": EOS},
		values:    []string{"<|startoftext|>", "<|endoftext|>"},
	}
}

func (t *Tokenizer) piece(s string) int32 {
	if id, ok := t.vocab[s]; ok {
		return id
	}
	id := int32(len(t.values))
	t.vocab[s] = id
	t.values = append(t.values, s)
	return id
}

// Encode returns BOS, the pieces of every space separated word, and EOS.
func (t *Tokenizer) Encode(text string) []int32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := []int32{BOS}
	for _, w := range strings.Split(text, " ") {
		for start := 0; start < len(w); start += pieceLen {
			p := w[start:min(start+pieceLen, len(w))]
			if start > 0 {
				p = subwordPrefix + p
			}
			ids = append(ids, t.piece(p))
		}
	}
	ids = append(ids, EOS)

	logutil.Trace("encoded", "string", text, "ids", ids)
	return ids
}

// Decode joins the pieces of ids. Unknown ids decode to nothing.
func (t *Tokenizer) Decode(ids []int32) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var sb strings.Builder
	for _, id := range ids {
		if id < 0 || int(id) >= len(t.values) {
			continue
		}
		sb.WriteString(t.values[id])
	}
	return sb.String()
}

func (t *Tokenizer) MaxLength() int { return t.maxLength }

// Pad encodes text and pads it with EOS, or truncates it, to MaxLength.
func (t *Tokenizer) Pad(text string) []int32 {
	ids := t.Encode(text)
	if len(ids) > t.maxLength {
		ids = append(ids[:t.maxLength-1], EOS)
	}
	for len(ids) < t.maxLength {
		ids = append(ids, EOS)
	}
	return ids
}
