// Package agent runs the model side of a chat turn.
//
// # Overview
//
// An Agent receives the message log of a chat and the tool set assembled
// for it, and returns the messages it produced for the turn:
//
//	resp, err := a.Run(ctx, agent.Request{
//	    ChatID:   chatID,
//	    UserID:   userID,
//	    Messages: log,
//	    Tools:    set,
//	})
//
// resp.Messages holds the assistant replies and tool sub-turns in order.
// resp.Events mirrors them as a flat stream (text, tool_use, tool_result,
// usage, done, error) for clients that render progress.
//
// # OpenAI
//
// OpenAI talks to any endpoint implementing the chat completions wire
// format. Each step sends the whole log plus the tool definitions; when
// the model requests tools they are called through the tool set and the
// results appended as role "tool" messages before the next step. The loop
// stops at the first answer without tool calls or after MaxSteps.
//
// A tool that fails or is missing from the set produces an error result
// that the model sees. Only provider errors and the step limit fail Run.
package agent
