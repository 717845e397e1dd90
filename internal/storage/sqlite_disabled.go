//go:build nosqlite

package storage

import (
	logx "schedtx/pkg/logx"
)

const sqliteBuilt = false

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	_ = cfg
	_ = log
	return nil, ErrSQLiteNotBuilt
}
