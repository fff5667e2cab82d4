// Package extraction turns raw conversation transcripts into curated
// memory mutations.
//
// Invariants:
// - At most two completion calls per run (extract, then one batched
//   reconciliation), regardless of fact count.
// - Providers without structured reconciliation never receive a
//   reconciliation call; they degrade to a novelty check emitting only
//   ADD and NOOP.
// - Provider failures and unparseable output degrade (empty fact list,
//   all-ADD failsafe) instead of failing the run.
// - One failed action never aborts the rest of the batch.
package extraction
