//go:build !sqlite
// +build !sqlite

package catalog

import (
	"errors"
	"time"

	logx "camsync/pkg/logx"
)

func openSQLite(path string, busyTimeout time.Duration, log logx.Logger) (Store, error) {
	_ = path
	_ = busyTimeout
	_ = log
	return nil, errors.New("sqlite catalog not built: build with -tags sqlite")
}
