package storage

import (
	"encoding/json"
	"strings"

	"go.powersync.dev/core/hostdb"
)

// ApplyV035Fix repairs databases affected by an issue fixed in v0.3.5:
// ps_updated_rows was not populated for some remove operations, leaving rows
// deleted from ps_oplog dangling in the ps_data__ tables. Affected rows are
// added to ps_updated_rows so the next sync_local removes them.
func ApplyV035Fix(db *hostdb.DB) error {
	var tables, err = dataTables(db)
	if err != nil {
		return err
	}

	for table := range tables {
		var rowType = strings.TrimPrefix(table, "ps_data__")
		var quoted = hostdb.QuoteIdentifier(table)

		if err = db.Exec(`
INSERT OR IGNORE INTO ps_updated_rows(row_type, row_id)
SELECT ?1, id FROM `+quoted+`
  WHERE NOT EXISTS (
      SELECT 1 FROM ps_oplog
      WHERE row_type = ?1 AND row_id = `+quoted+`.id
  )`, rowType); err != nil {
			return err
		}
	}
	return nil
}

// RemoveDuplicateKeyEncoding undoes the JSON-encoded subkey some older
// JavaScript SDKs wrote into oplog keys.
//
// Acceptable format: <type>/<id>/<subkey>; the broken encoding wraps the
// subkey in JSON quotes. Type and id can themselves contain slashes and
// quotes, but a proper subkey never ends in a quote, so a trailing quote
// identifies the broken form.
func RemoveDuplicateKeyEncoding(key string) (string, bool) {
	if !strings.HasSuffix(key, `"`) {
		return "", false
	}

	// The subkey is JSON-encoded: find its unescaped starting quote by
	// scanning backwards from before the closing quote.
	var start = -1
	for i := len(key) - 2; i >= 0; i-- {
		if key[i] != '"' {
			continue
		}
		// Count the backslashes preceding this quote; an even count means
		// the quote is unescaped.
		var backslashes int
		for j := i - 1; j >= 0 && key[j] == '\\'; j-- {
			backslashes++
		}
		if backslashes%2 == 0 {
			start = i
			break
		}
	}
	if start < 0 {
		return "", false
	}

	var subkey string
	if err := json.Unmarshal([]byte(key[start:]), &subkey); err != nil {
		return "", false
	}
	return key[:start] + subkey, true
}
