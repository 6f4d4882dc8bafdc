// Package database opens the backing store and manages its connection pool.
//
// The driver is selected from the database URL: postgres:// and mysql://
// URLs open the respective servers, anything else is treated as a sqlite
// file path (the default deployment).
package database
