// Package store provides the Postgres-backed notification sink used by
// the archiver. It satisfies the notify.Sink contract: storage is keyed
// by the server-assigned notification id and idempotent under redelivery.
package store
