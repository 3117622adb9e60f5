// Package scheduler provides the tick-driven dispatch loop for reminder
// and food-rotation work. Each tick materializes the instance horizon,
// claims due tasks through conditional storage updates, and sends them
// through the dispatch gateway at most once each.
package scheduler
