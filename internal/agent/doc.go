// Package agent contains yagent's run loop.
//
// An Agent drives a conversation between a user prompt, a model.Model and a
// set of tools until the model produces a result of type T. Service wires an
// Agent to the configured provider and MCP servers for the CLI.
package agent
