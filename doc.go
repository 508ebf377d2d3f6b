// Package atoll is the core of a conversational multi-agent orchestration
// system: the machinery that turns an inbound user message into a persisted
// assistant reply.
//
// The center is the step engine ([Engine.Run]), which drives a bounded
// tool-calling loop against a dual-provider lane ([Router]) and is wrapped by
// the subsystems it cannot function without:
//
//   - [Router]: primary/fallback lane selection with health and quota cooldown
//   - [Assembler]: budgeted multi-section prompt construction
//   - [MemoryService]: per-thread episodic memory with hybrid RRF retrieval
//   - [StateService]: structured decision/constraint/action items with supersession
//   - [Commands]: slash-command handling for meta-operations
//   - [Scheduler]: time-triggered dispatch with bounded catch-up
//   - [ToolRegistry]: tool invocation with per-actor allowlists and approvals
//   - [Dispatcher]: named-task queues backing asynchronous work
//   - [EventWriter]: structured audit events with payload redaction
//
// Persistence is interface-driven ([Store]); store/sqlite is the default
// backend and store/postgres the server-grade one. Providers live under
// provider/ (gemini as the primary lane, openaicompat as the fallback).
// Knowledge-base ingestion and search live in kb/. Runnable wiring is under
// internal/app and cmd/atoll.
//
// Ingress adapters (chat frontends, webhooks) are deliberately outside this
// module; they persist a user message and enqueue an agent_step task, nothing
// more.
package atoll
