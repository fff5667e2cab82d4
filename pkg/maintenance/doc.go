// Package maintenance keeps the memory store healthy over time without
// operator intervention.
//
// Two mechanisms run on a cron cycle. Consolidation groups live memories
// into similarity clusters and merges each cluster into a single entry
// through one completion call, tombstoning the originals. Pruning removes
// memories that both exceed their category's age limit and have never
// been returned by a search; either signal alone never triggers removal.
//
// Both operations support a dry run that reports the plan without
// mutating the store.
package maintenance
