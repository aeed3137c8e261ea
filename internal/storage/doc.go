// Package storage is the relational store for the posting pipeline.
//
// It holds:
//   - the posting queue, posted-content records and VIP angle history
//   - per-target post analytics
//   - read-only directory tables (businesses, categories, blog posts, VIPs,
//     angle templates, schedule slots)
//
// Postgres is the production driver; SQLite serves development and tests.
// Times are written as UTC truncated to the second.
package storage
