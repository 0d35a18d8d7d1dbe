// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested key is absent from every tier and no
// loader was supplied to compute it.
var ErrNotFound = errors.New("not found")

// ErrTierUnavailable indicates a network tier could not be reached. It is
// wrapped with tier context and only surfaces to callers when the durable
// tier fails on a read path that has no loader fallback.
var ErrTierUnavailable = errors.New("tier unavailable")
