// Package schema applies a user-provided schema to the host database.
//
// Each synced table becomes a ps_data__<name> data table holding the
// canonical row JSON, a view projecting the declared columns out of that
// JSON, and INSTEAD OF triggers on the view which capture local mutations
// into ps_crud. Replace reconciles the generated objects with what already
// exists, only issuing DDL for differences, so re-applying an unchanged
// schema leaves the database schema version untouched.
//
// Raw tables let applications sync into tables they manage themselves: the
// schema supplies PUT and DELETE statement templates which the sync_local
// materializer executes, and this package generates AFTER triggers on the
// raw table which capture local writes.
package schema
