package tokenizer

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Encoder turns text into model tokens. Only the length of the result is relied on.
type Encoder interface {
	Encode(text string) []int
}

const DefaultEncoding = "cl100k_base"

type tiktokenEncoder struct {
	tk *tiktoken.Tiktoken
}

// New resolves the encoding for model, falling back to cl100k_base for unknown models.
func New(model string) (Encoder, error) {
	model = strings.TrimSpace(model)
	if model != "" {
		if tk, err := tiktoken.EncodingForModel(model); err == nil {
			return &tiktokenEncoder{tk: tk}, nil
		}
	}
	tk, err := tiktoken.GetEncoding(DefaultEncoding)
	if err != nil {
		return nil, fmt.Errorf("load %s encoding: %w", DefaultEncoding, err)
	}
	return &tiktokenEncoder{tk: tk}, nil
}

func (e *tiktokenEncoder) Encode(text string) []int {
	if text == "" {
		return nil
	}
	return e.tk.Encode(text, nil, nil)
}

// Func adapts a plain function to Encoder.
type Func func(text string) []int

func (f Func) Encode(text string) []int { return f(text) }

// Runes counts one token per rune. Used when no BPE table can be loaded, and in tests.
var Runes Encoder = Func(func(text string) []int {
	n := len([]rune(text))
	if n == 0 {
		return nil
	}
	return make([]int, n)
})

// Approx estimates ~4 characters per token.
var Approx Encoder = Func(func(text string) []int {
	n := len([]rune(text))
	if n == 0 {
		return nil
	}
	return make([]int, (n+3)/4)
})

type lazyEncoder struct {
	once     sync.Once
	model    string
	fallback Encoder
	onErr    func(error)
	enc      Encoder
}

// Lazy defers loading the BPE tables until the first Encode call; on failure it degrades to fallback.
func Lazy(model string, fallback Encoder, onErr func(error)) Encoder {
	if fallback == nil {
		fallback = Approx
	}
	return &lazyEncoder{model: model, fallback: fallback, onErr: onErr}
}

func (l *lazyEncoder) Encode(text string) []int {
	l.once.Do(func() {
		enc, err := New(l.model)
		if err != nil {
			if l.onErr != nil {
				l.onErr(err)
			}
			l.enc = l.fallback
			return
		}
		l.enc = enc
	})
	return l.enc.Encode(text)
}
