// Package incident provides the business boundary for Docket's
// deduplication and lifecycle engine. It defines the Service (ingest,
// dedup, guarded transitions), the external status sync adapter, the Store
// interface (persistence with an append-only audit ledger), the SLA policy,
// and the domain models.
package incident
