package corpus

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// Special tokens. UnkToken must be present in a word vocabulary for
// out-of-vocabulary words to be encodable; SpaceToken marks word boundaries
// in the character stream.
const (
	UnkToken   = "<unk>"
	SpaceToken = "<space>"
)

// Vocab maps between tokens and contiguous integer ids. Ids are assigned in
// file order starting at 0.
type Vocab struct {
	idx2tok []string
	tok2idx map[string]int
}

// NewVocab builds a vocabulary from an ordered token list. Duplicate tokens
// are an error.
func NewVocab(tokens []string) (*Vocab, error) {
	v := &Vocab{
		idx2tok: make([]string, 0, len(tokens)),
		tok2idx: make(map[string]int, len(tokens)),
	}
	for _, tok := range tokens {
		if tok == "" {
			continue
		}
		if _, ok := v.tok2idx[tok]; ok {
			return nil, fmt.Errorf("duplicate token %q", tok)
		}
		v.tok2idx[tok] = len(v.idx2tok)
		v.idx2tok = append(v.idx2tok, tok)
	}
	if len(v.idx2tok) == 0 {
		return nil, fmt.Errorf("empty vocabulary")
	}
	return v, nil
}

// LoadVocab reads a vocabulary file with one token per line. Blank lines are
// skipped.
func LoadVocab(path string) (*Vocab, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open vocab %s: %w", path, err)
	}
	defer f.Close()

	var tokens []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		tok := strings.TrimSpace(sc.Text())
		if tok != "" {
			tokens = append(tokens, tok)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read vocab %s: %w", path, err)
	}
	v, err := NewVocab(tokens)
	if err != nil {
		return nil, fmt.Errorf("vocab %s: %w", path, err)
	}
	return v, nil
}

// Size is the number of tokens. Decoder sos/eos ids live outside this range.
func (v *Vocab) Size() int { return len(v.idx2tok) }

// ID returns the id of tok and whether it is in the vocabulary.
func (v *Vocab) ID(tok string) (int, bool) {
	id, ok := v.tok2idx[tok]
	return id, ok
}

// Token returns the token for id, or UnkToken if id is out of range.
func (v *Vocab) Token(id int) string {
	if id < 0 || id >= len(v.idx2tok) {
		return UnkToken
	}
	return v.idx2tok[id]
}

// Tokens maps a sequence of ids back to tokens.
func (v *Vocab) Tokens(ids []int) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = v.Token(id)
	}
	return out
}

// Encode maps tokens to ids. Unknown tokens fall back to UnkToken when the
// vocabulary has one, otherwise Encode fails.
func (v *Vocab) Encode(tokens []string) ([]int, error) {
	unk, hasUnk := v.tok2idx[UnkToken]
	out := make([]int, 0, len(tokens))
	for _, tok := range tokens {
		id, ok := v.tok2idx[tok]
		if !ok {
			if !hasUnk {
				return nil, fmt.Errorf("token %q not in vocabulary and no %s entry", tok, UnkToken)
			}
			id = unk
		}
		out = append(out, id)
	}
	return out, nil
}

// WordTokens splits a transcript into word tokens.
func WordTokens(text string) []string {
	return strings.Fields(text)
}

// CharTokens splits a transcript into character tokens with SpaceToken
// between words.
func CharTokens(text string) []string {
	words := strings.Fields(text)
	var out []string
	for i, w := range words {
		if i > 0 {
			out = append(out, SpaceToken)
		}
		for _, r := range w {
			out = append(out, string(r))
		}
	}
	return out
}

// JoinChars renders character tokens back into a plain string, mapping
// SpaceToken to a single space.
func JoinChars(tokens []string) string {
	var b strings.Builder
	for _, tok := range tokens {
		if tok == SpaceToken {
			b.WriteByte(' ')
		} else {
			b.WriteString(tok)
		}
	}
	return b.String()
}
