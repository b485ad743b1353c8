// Package migrations embeds the goose SQL migrations for the clients table.
// The same schema serves the central store and every provisioned
// client-local store.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
