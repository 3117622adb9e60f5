// Package storage provides persistent storage functionality for the gamenight bot.
// It uses BadgerDB as the embedded database; single-key transactions supply the
// conditional-update semantics the scheduler's claim step relies on.
package storage
