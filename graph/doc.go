// Package graph composes Graph API calls: Batcher folds independent reads
// into batch requests and Pager walks cursor-paginated edges.
package graph
