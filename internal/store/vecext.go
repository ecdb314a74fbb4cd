//go:build cgo

package store

import (
	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
)

// init registers the sqlite-vec extension with the mattn/go-sqlite3 driver so
// every opened *sql.DB gets the vec0 virtual table module and the
// vec_distance_cosine scalar function for free.
func init() {
	vec.Auto()
}
