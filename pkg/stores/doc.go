// Package stores provides the SQLite run journal for converge.
// It records every apply run and the result of each reconciled resource
// so that `converge history` can show what changed on the host and when.
package stores
