// Package tokenizer provides the byte-pair counting primitive Token
// Accounting is built on. The spec forbids heuristic length estimates
// (words × constant); every count feeding accounting passes through here.
//
// Grounded on BaSui01-agentflow's llm/tokenizer/tiktoken.go: the same
// model→encoding table idiom, the same lazy sync.Once initialization, and
// the identical per-message overhead formula used by CountMessages.
package tokenizer

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/ki2pixel/kimi-proxy/internal/providers"
)

// encodingFor maps a model-name prefix to its tiktoken encoding. Unknown
// models fall back to cl100k_base, the spec's required default vocabulary.
var encodingFor = []struct {
	prefix   string
	encoding string
}{
	{"gpt-4o", "o200k_base"},
	{"o1", "o200k_base"},
	{"o3", "o200k_base"},
	{"o4", "o200k_base"},
	{"gpt-4.1", "o200k_base"},
	{"gpt-4", "cl100k_base"},
	{"gpt-3.5", "cl100k_base"},
	{"text-embedding-3", "cl100k_base"},
}

func encodingForModel(model string) string {
	for _, e := range encodingFor {
		if strings.HasPrefix(model, e.prefix) {
			return e.encoding
		}
	}
	return "cl100k_base"
}

// Tokenizer is the process-wide immutable tokenizer value referenced by the
// router, streaming proxy, and compactor — per the spec's "global tokenizer
// becomes a process-wide immutable value, shared by reference" design note.
type Tokenizer struct {
	mu    sync.RWMutex
	encs  map[string]*tiktoken.Tiktoken
	once  map[string]*sync.Once
	errs  map[string]error
	onceL sync.Mutex
}

// New creates a Tokenizer. Encodings are initialized lazily on first use per
// encoding name, not eagerly, since GetEncoding may need to load BPE ranks.
func New() *Tokenizer {
	return &Tokenizer{
		encs: make(map[string]*tiktoken.Tiktoken),
		once: make(map[string]*sync.Once),
		errs: make(map[string]error),
	}
}

func (t *Tokenizer) encodingFor(name string) (*tiktoken.Tiktoken, error) {
	t.onceL.Lock()
	once, ok := t.once[name]
	if !ok {
		once = &sync.Once{}
		t.once[name] = once
	}
	t.onceL.Unlock()

	once.Do(func() {
		enc, err := tiktoken.GetEncoding(name)
		t.mu.Lock()
		defer t.mu.Unlock()
		if err != nil {
			t.errs[name] = fmt.Errorf("tokenizer: init encoding %s: %w", name, err)
			return
		}
		t.encs[name] = enc
	})

	t.mu.RLock()
	defer t.mu.RUnlock()
	if err := t.errs[name]; err != nil {
		return nil, err
	}
	return t.encs[name], nil
}

// CountText counts the tokens in a single string under the model's encoding.
func (t *Tokenizer) CountText(model, text string) (int, error) {
	enc, err := t.encodingFor(encodingForModel(model))
	if err != nil {
		return 0, err
	}
	return len(enc.Encode(text, nil, nil)), nil
}

// CountMessages counts the tokens in a full message array, including the
// per-message overhead (<|start|>role\ncontent<|end|>\n) and the
// conversation-end overhead — the exact formula BaSui01-agentflow's
// TiktokenTokenizer.CountMessages uses, generalized to take the model's
// encoding instead of assuming one fixed vocabulary.
func (t *Tokenizer) CountMessages(model string, messages []providers.Message) (int, error) {
	enc, err := t.encodingFor(encodingForModel(model))
	if err != nil {
		return 0, err
	}

	total := 0
	for _, m := range messages {
		total += 4 // per-message overhead
		total += len(enc.Encode(m.Content, nil, nil))
		total += len(enc.Encode(m.Role, nil, nil))
	}
	total += 3 // conversation-end overhead
	return total, nil
}
