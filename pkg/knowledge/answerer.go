package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/greenview-ai/wardline/pkg/provider/llm"
)

// DefaultAnswerTimeout bounds the full retrieve-and-complete round trip. A
// pending RAG turn is aborted when it expires; the session then speaks
// [FallbackAnswer] instead of stalling.
const DefaultAnswerTimeout = 10 * time.Second

// defaultFacility is the facility persona used when none is configured.
const defaultFacility = "Greenview Medical Centre"

// OutOfBandDirective is the provider-agnostic form of a RAG answer that the
// upstream provider should generate and speak itself, out of band of the
// default conversation. The realtime layer maps it onto the provider's native
// response-creation event.
type OutOfBandDirective struct {
	// Instructions is the grounded system prompt, context passages included.
	Instructions string

	// Topic tags the response metadata so the generated answer can be
	// recognised when it comes back.
	Topic string
}

// ragTopic is the metadata tag on out-of-band RAG responses.
const ragTopic = "rag"

// Answerer turns a caller's question into a grounded answer using top-k
// retrieval plus a single completion call. Safe for concurrent use; the
// per-session serialization of RAG turns is the session's job, not ours.
type Answerer struct {
	store    Store
	llm      llm.Provider
	topK     int
	timeout  time.Duration
	facility string
}

// AnswererOption configures an [Answerer].
type AnswererOption func(*Answerer)

// WithTopK overrides the number of retrieved passages.
func WithTopK(k int) AnswererOption {
	return func(a *Answerer) { a.topK = k }
}

// WithTimeout overrides the retrieve-and-complete deadline.
func WithTimeout(d time.Duration) AnswererOption {
	return func(a *Answerer) { a.timeout = d }
}

// WithFacility sets the facility name used in the grounding prompt.
func WithFacility(name string) AnswererOption {
	return func(a *Answerer) { a.facility = name }
}

// NewAnswerer creates an Answerer over the given store and completion
// provider.
func NewAnswerer(store Store, provider llm.Provider, opts ...AnswererOption) *Answerer {
	a := &Answerer{
		store:    store,
		llm:      provider,
		topK:     DefaultTopK,
		timeout:  DefaultAnswerTimeout,
		facility: defaultFacility,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Answer retrieves grounding passages for question and returns the model's
// single textual reply verbatim. Any store or completion failure, including
// the deadline expiring, is reported as [ErrRetrievalUnavailable].
func (a *Answerer) Answer(ctx context.Context, question string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	prompt, err := a.groundedPrompt(ctx, question)
	if err != nil {
		return "", err
	}

	reply, err := a.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: prompt,
		UserMessage:  question,
	})
	if err != nil {
		slog.Warn("knowledge: completion failed", "err", err)
		return "", fmt.Errorf("%w: complete: %v", ErrRetrievalUnavailable, err)
	}
	return reply, nil
}

// OutOfBand is the variant form of [Answer]: instead of generating the answer
// here, it returns a directive instructing the upstream provider to generate
// and voice the grounded answer itself. Used when the answer needs to become
// a synthesized voice turn in the provider's own voice.
func (a *Answerer) OutOfBand(ctx context.Context, question string) (OutOfBandDirective, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	prompt, err := a.groundedPrompt(ctx, question)
	if err != nil {
		return OutOfBandDirective{}, err
	}
	return OutOfBandDirective{Instructions: prompt, Topic: ragTopic}, nil
}

// groundedPrompt retrieves passages and composes the grounding system prompt.
func (a *Answerer) groundedPrompt(ctx context.Context, question string) (string, error) {
	passages, err := a.store.Search(ctx, question, a.topK)
	if err != nil {
		slog.Warn("knowledge: retrieval failed", "err", err)
		return "", fmt.Errorf("%w: search: %v", ErrRetrievalUnavailable, err)
	}
	return composePrompt(a.facility, passages), nil
}

// composePrompt labels each passage "Context N:" in retrieval-rank order and
// wraps them in the grounding instruction.
func composePrompt(facility string, passages []Passage) string {
	blocks := make([]string, 0, len(passages))
	for i, p := range passages {
		blocks = append(blocks, fmt.Sprintf("Context %d: %s", i+1, p.Text))
	}
	contextText := strings.Join(blocks, "\n\n")

	return fmt.Sprintf(`You are a helpful assistant for %s. You answer questions about the facility using only the knowledge provided below; you never make things up. For general conversational input you may reply in a friendly way without the context. If the provided context does not answer the question, reply exactly: %q. Give a single answer only, and do not repeat yourself. Respond only to the question asked; anything said before it is irrelevant.
The data: %s`, facility, FallbackAnswer, contextText)
}
