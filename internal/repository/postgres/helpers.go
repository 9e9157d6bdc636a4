package postgres

import (
	"database/sql"

	"agentfleet/pkg/errors"
)

func requireRow(res sql.Result, format string, args ...interface{}) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return errors.Wrapf(errors.ErrNotFound, format, args...)
	}
	return nil
}
