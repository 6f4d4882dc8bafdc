// Package migration runs the llmlb schema migrations.
//
// Migration SQL is embedded per database flavor (sqlite, postgres, mysql)
// and applied through golang-migrate at startup or via the migrate
// subcommand.
package migration
