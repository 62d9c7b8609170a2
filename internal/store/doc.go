// Package store declares the repository used to persist per-run crawl statistics.
package store
