package storage

// Package storage provides the persistence layer used by the bot.
//
// It currently supports:
//   - Watch bindings with per-key checkpoint upserts
//   - Audit log appends (operator actions)
//   - Optional notifier dedup state (to survive restarts)
