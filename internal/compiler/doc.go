// Package compiler runs objectives through the plan, execute and join loop.
//
// Each workflow is a sequence of rounds:
//   - Planning: the planner turns the objective (and, after round 1, the
//     joiner's feedback) into a task graph
//   - Executing: the fetching unit hands out ready tasks in waves of at most
//     MaxConcurrency, and the executor pool runs each wave to completion
//   - Deciding: the joiner reviews the round and either completes the
//     workflow or asks for another plan
//
// When the loop ends the engine synthesizes a final response from the
// successful task outputs, falling back to a templated summary when the
// model is unavailable.
//
// Example usage:
//
//	engine := compiler.New(compiler.RequiredConfig{
//		Planner: planner.New(client, registry),
//		Joiner:  joiner.New(client, joiner.Config{}),
//		Tools:   registry,
//	}, compiler.WithLLM(client))
//	result, err := engine.ExecuteWorkflow(ctx, "enumerate open ports on example.com", nil)
package compiler
