package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/siddhartha9/interruption-aware-voice-bot/internal/transport"
	"github.com/siddhartha9/interruption-aware-voice-bot/pkg/provider/llm"
	"github.com/siddhartha9/interruption-aware-voice-bot/pkg/types"
)

// sentenceTerminators are the characters that close a sentence for TTS
// batching. A token containing any of them flushes the buffer.
const sentenceTerminators = ".!?\n"

// runAgent streams one LLM response for the given history snapshot,
// batching tokens into sentences for the TTS worker as they complete.
//
// The run is pinned to the generation it was spawned with. Every status or
// history write checks that the generation is still current; a run that has
// been superseded keeps draining quietly but cannot touch session state, and
// every queue item it pushes carries its own generation so downstream
// workers drop them. Cancellation is polled between chunks: an observed
// cancel unwinds without pushing the end-of-turn sentinel and leaves history
// untouched.
//
// Tool rounds: when the model finishes a stream asking for tools, the runner
// executes them through the belt, appends the assistant turn and the tool
// results to its private message list, and streams again. The sentence
// buffer and the full-response accumulator persist across rounds, so token
// consumption stays linear as far as batching is concerned.
func (o *Orchestrator) runAgent(ctx context.Context, turns []types.Turn, gen uint64) {
	defer o.wg.Done()
	defer func() {
		o.mu.Lock()
		o.runnersLive--
		o.mu.Unlock()
	}()

	o.mu.Lock()
	if gen != o.generation.Load() {
		// Superseded before it began.
		o.mu.Unlock()
		return
	}
	o.responseInProgress = true
	o.mu.Unlock()

	messages := buildMessages(turns)
	var tools []types.ToolDefinition
	if o.belt != nil {
		tools = o.belt.Definitions()
	}

	var (
		sentence  strings.Builder // current unflushed sentence
		full      strings.Builder // whole response, across rounds
		pushedAny bool
		sawToken  bool
		runStart  = time.Now()
	)

	for round := 0; ; round++ {
		if o.cancelledRun(ctx, gen) {
			o.finishCancelled(ctx, gen, round)
			return
		}

		req := llm.CompletionRequest{
			SystemPrompt: o.cfg.SystemPrompt,
			Messages:     messages,
			Tools:        tools,
		}
		tctx, cancel := context.WithTimeout(ctx, o.cfg.LLMTimeout)
		ch, err := o.llmP.StreamCompletion(tctx, req)
		o.met.RecordProviderRequest(ctx, o.llmP.Name(), "llm", callStatus(err))
		if err != nil {
			cancel()
			if ctx.Err() != nil {
				o.finishCancelled(ctx, gen, round)
				return
			}
			o.finishFailed(ctx, gen, &sentence, &full, pushedAny,
				fmt.Sprintf("stream start: %v", err))
			return
		}

		var (
			calls     []types.ToolCall
			finish    string
			failCause string
			roundText strings.Builder
			cancelled bool
		)
		for chunk := range ch {
			if o.cancelledRun(ctx, gen) {
				cancelled = true
				break
			}
			if chunk.FinishReason == llm.FinishError {
				// Text on an error chunk is the failure description,
				// never content.
				finish = llm.FinishError
				failCause = chunk.Text
				continue
			}
			if chunk.FinishReason != "" {
				finish = chunk.FinishReason
			}
			if len(chunk.ToolCalls) > 0 {
				calls = chunk.ToolCalls
			}
			if chunk.Text == "" {
				continue
			}
			if !sawToken {
				sawToken = true
				o.met.ObserveLLMFirstToken(ctx, time.Since(runStart))
				o.mu.Lock()
				if gen == o.generation.Load() {
					o.agentStatus = AgentStreaming
				}
				o.mu.Unlock()
			}
			sentence.WriteString(chunk.Text)
			roundText.WriteString(chunk.Text)
			full.WriteString(chunk.Text)
			if strings.ContainsAny(chunk.Text, sentenceTerminators) {
				if o.pushSentence(ctx, &sentence, gen) {
					pushedAny = true
				}
			}
		}
		cancel()
		if cancelled {
			go drainChunks(ch)
			o.finishCancelled(ctx, gen, round)
			return
		}

		switch {
		case finish == llm.FinishError:
			o.finishFailed(ctx, gen, &sentence, &full, pushedAny, failCause)
			return

		case finish == llm.FinishToolCalls && len(calls) > 0:
			messages = append(messages, types.Message{
				Role:      "assistant",
				Content:   roundText.String(),
				ToolCalls: calls,
			})
			for _, call := range calls {
				if o.cancelledRun(ctx, gen) {
					o.finishCancelled(ctx, gen, round)
					return
				}
				messages = append(messages, types.Message{
					Role:       "tool",
					Content:    o.invokeTool(ctx, call),
					ToolCallID: call.ID,
				})
			}

		default:
			if o.pushSentence(ctx, &sentence, gen) {
				pushedAny = true
			}
			o.pushSentinel(ctx, gen)

			fullText := strings.TrimSpace(full.String())
			o.mu.Lock()
			if gen == o.generation.Load() {
				if fullText != "" {
					o.history.AppendAgent(fullText)
					o.send(ctx, transport.AgentResponse{Text: fullText})
				}
				o.agentStatus = AgentIdle
			}
			o.mu.Unlock()

			o.met.RecordAgentTurn(ctx, "complete")
			o.log.Info("agent run complete",
				"generation", gen,
				"rounds", round+1,
				"response_chars", len(fullText),
				"sentences_pushed", pushedAny,
				"elapsed", time.Since(runStart))
			return
		}
	}
}

// cancelledRun reports whether this run should stop consuming tokens: the
// cancel flag is up, a newer generation has started, or the session context
// is gone.
func (o *Orchestrator) cancelledRun(ctx context.Context, gen uint64) bool {
	return o.agentCancel.Load() || gen != o.generation.Load() || ctx.Err() != nil
}

// finishCancelled is the quiet unwind: no sentinel, history untouched. The
// Idle restore is generation-guarded so a superseded run cannot clobber the
// status its successor owns.
func (o *Orchestrator) finishCancelled(ctx context.Context, gen uint64, round int) {
	o.mu.Lock()
	if gen == o.generation.Load() {
		o.agentStatus = AgentIdle
	}
	o.mu.Unlock()
	o.met.RecordAgentTurn(ctx, "cancelled")
	o.log.Info("agent run cancelled", "generation", gen, "rounds", round+1)
}

// finishFailed handles a stream that died mid-flight. Sentences already
// queued may be playing, so the remainder is flushed and a sentinel pushed
// to let the turn complete downstream; the accumulated text is preserved in
// history so the next turn builds on what the user actually heard. When
// nothing was ever pushed there is no audio coming and no client completion
// to wait for, so the response-in-progress flag is dropped here.
func (o *Orchestrator) finishFailed(ctx context.Context, gen uint64, sentence, full *strings.Builder, pushedAny bool, cause string) {
	o.log.Warn("llm stream failed", "cause", cause, "generation", gen)
	o.met.RecordProviderError(ctx, o.llmP.Name(), "llm")
	o.met.RecordAgentTurn(ctx, "failed")

	if o.pushSentence(ctx, sentence, gen) {
		pushedAny = true
	}
	if pushedAny {
		o.pushSentinel(ctx, gen)
	}

	fullText := strings.TrimSpace(full.String())
	o.mu.Lock()
	if gen == o.generation.Load() {
		if fullText != "" {
			o.history.AppendAgent(fullText)
		}
		o.agentStatus = AgentIdle
		if !pushedAny {
			o.responseInProgress = false
		}
		o.send(ctx, transport.ErrorFrame{Message: "the assistant could not finish its response"})
	}
	o.mu.Unlock()
}

// pushSentence trims and pushes the buffered sentence, resetting the buffer.
// Empty buffers push nothing. Returns true when an item actually landed.
func (o *Orchestrator) pushSentence(ctx context.Context, buf *strings.Builder, gen uint64) bool {
	text := strings.TrimSpace(buf.String())
	buf.Reset()
	if text == "" {
		return false
	}
	if err := o.textStream.Put(ctx, Item[string]{Payload: text, Generation: gen}); err != nil {
		if !isCancellation(err) {
			o.log.Warn("sentence push failed", "err", err)
		}
		return false
	}
	o.log.Debug("sentence pushed", "generation", gen, "chars", len(text))
	return true
}

// pushSentinel marks the end of the run's utterance on the text stream.
func (o *Orchestrator) pushSentinel(ctx context.Context, gen uint64) {
	if err := o.textStream.Put(ctx, Item[string]{EndOfTurn: true, Generation: gen}); err != nil {
		if !isCancellation(err) {
			o.log.Warn("sentinel push failed", "err", err)
		}
	}
}

// invokeTool runs one tool call through the belt and renders the outcome as
// the tool-role message content the model sees next round.
func (o *Orchestrator) invokeTool(ctx context.Context, call types.ToolCall) string {
	if o.belt == nil {
		o.log.Warn("tool requested but no tool belt configured", "tool", call.Name)
		o.met.RecordToolCall(ctx, call.Name, "unavailable")
		return fmt.Sprintf("tool %q is not available in this session", call.Name)
	}
	o.log.Info("tool call", "tool", call.Name, "call_id", call.ID)
	start := time.Now()
	result, err := o.belt.Invoke(ctx, o.registry, call)
	if err != nil {
		o.log.Warn("tool call failed", "tool", call.Name, "err", err, "elapsed", time.Since(start))
		o.met.RecordToolCall(ctx, call.Name, "error")
		return fmt.Sprintf("tool %q failed: %v", call.Name, err)
	}
	o.log.Debug("tool call done", "tool", call.Name, "elapsed", time.Since(start))
	o.met.RecordToolCall(ctx, call.Name, "ok")
	return result
}

// buildMessages converts spoken-turn history into LLM chat messages.
func buildMessages(turns []types.Turn) []types.Message {
	msgs := make([]types.Message, 0, len(turns))
	for _, t := range turns {
		role := "user"
		if t.Role == types.RoleAgent {
			role = "assistant"
		}
		msgs = append(msgs, types.Message{Role: role, Content: t.Content})
	}
	return msgs
}

// drainChunks empties an abandoned provider stream so its goroutine can
// finish sending and exit.
func drainChunks(ch <-chan llm.Chunk) {
	for range ch {
	}
}
