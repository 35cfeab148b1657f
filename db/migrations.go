package db

import (
	"context"
	"database/sql"
	"log"
)

const (
	// Local accounts and cached remote actors
	sqlCreateActorsTable = `CREATE TABLE IF NOT EXISTS actors (
		id TEXT NOT NULL PRIMARY KEY,
		uri TEXT UNIQUE NOT NULL,
		username TEXT NOT NULL,
		domain TEXT NOT NULL,
		is_local INTEGER NOT NULL DEFAULT 0,
		inbox_uri TEXT NOT NULL,
		shared_inbox_uri TEXT NOT NULL DEFAULT '',
		outbox_uri TEXT NOT NULL DEFAULT '',
		public_key_pem TEXT NOT NULL,
		private_key_pem TEXT NOT NULL DEFAULT '',
		manually_approves INTEGER NOT NULL DEFAULT 0,
		last_fetched_at INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL DEFAULT 0
	)`

	sqlCreateActorsIndices = `
		CREATE INDEX IF NOT EXISTS idx_actors_domain ON actors(domain);
		CREATE INDEX IF NOT EXISTS idx_actors_local_username ON actors(is_local, username);
	`

	// Follow relationships, one row per (source, target) pair
	sqlCreateFollowsTable = `CREATE TABLE IF NOT EXISTS follows (
		id TEXT NOT NULL PRIMARY KEY,
		source_actor_uri TEXT NOT NULL,
		target_actor_uri TEXT NOT NULL,
		state TEXT NOT NULL,
		activity_uri TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE(source_actor_uri, target_actor_uri)
	)`

	sqlCreateFollowsIndices = `
		CREATE INDEX IF NOT EXISTS idx_follows_target_state ON follows(target_actor_uri, state);
		CREATE INDEX IF NOT EXISTS idx_follows_activity_uri ON follows(activity_uri);
	`

	// Delivery queue. seq is the creation order used for per-partition FIFO.
	sqlCreateDeliveryJobsTable = `CREATE TABLE IF NOT EXISTS delivery_jobs (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT UNIQUE NOT NULL,
		category TEXT NOT NULL,
		partition_key TEXT NOT NULL,
		source_actor_uri TEXT NOT NULL,
		inbox_uri TEXT NOT NULL,
		object_uri TEXT NOT NULL DEFAULT '',
		payload BLOB NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		next_attempt_at INTEGER NOT NULL,
		locked_until INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		last_code TEXT NOT NULL DEFAULT '',
		last_error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`

	sqlCreateDeliveryJobsIndices = `
		CREATE INDEX IF NOT EXISTS idx_delivery_jobs_claim ON delivery_jobs(category, status, next_attempt_at);
		CREATE INDEX IF NOT EXISTS idx_delivery_jobs_partition ON delivery_jobs(partition_key, status, seq);
		CREATE INDEX IF NOT EXISTS idx_delivery_jobs_object ON delivery_jobs(object_uri);
	`

	// Activities log (deduplication & debugging)
	sqlCreateActivitiesTable = `CREATE TABLE IF NOT EXISTS activities (
		id TEXT NOT NULL PRIMARY KEY,
		activity_uri TEXT UNIQUE NOT NULL,
		activity_type TEXT NOT NULL,
		actor_uri TEXT NOT NULL,
		object_uri TEXT NOT NULL DEFAULT '',
		raw_json TEXT NOT NULL,
		processed INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		local INTEGER NOT NULL DEFAULT 0
	)`

	sqlCreateActivitiesIndices = `
		CREATE INDEX IF NOT EXISTS idx_activities_created_at ON activities(created_at);
	`

	// Deleted objects whose pending deliveries must not go out
	sqlCreateTombstonesTable = `CREATE TABLE IF NOT EXISTS tombstones (
		object_uri TEXT NOT NULL PRIMARY KEY,
		created_at INTEGER NOT NULL
	)`

	sqlCreateBlockedDomainsTable = `CREATE TABLE IF NOT EXISTS blocked_domains (
		domain TEXT NOT NULL PRIMARY KEY,
		reason TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	)`

	// Shared key/value store for scheduler leases and the actor cache
	sqlCreateKVTable = `CREATE TABLE IF NOT EXISTS kv_store (
		key TEXT NOT NULL PRIMARY KEY,
		value TEXT NOT NULL,
		expires_at INTEGER NOT NULL DEFAULT 0
	)`
)

// RunMigrations creates all tables and indices
func (db *DB) RunMigrations(ctx context.Context) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		tables := []struct{ name, sql string }{
			{"actors", sqlCreateActorsTable},
			{"follows", sqlCreateFollowsTable},
			{"delivery_jobs", sqlCreateDeliveryJobsTable},
			{"activities", sqlCreateActivitiesTable},
			{"tombstones", sqlCreateTombstonesTable},
			{"blocked_domains", sqlCreateBlockedDomainsTable},
			{"kv_store", sqlCreateKVTable},
		}
		for _, t := range tables {
			if err := db.createTableIfNotExists(tx, t.sql, t.name); err != nil {
				return err
			}
		}

		if _, err := tx.Exec(sqlCreateActorsIndices); err != nil {
			log.Printf("Warning: Failed to create actors indices: %v", err)
		}
		if _, err := tx.Exec(sqlCreateFollowsIndices); err != nil {
			log.Printf("Warning: Failed to create follows indices: %v", err)
		}
		if _, err := tx.Exec(sqlCreateDeliveryJobsIndices); err != nil {
			log.Printf("Warning: Failed to create delivery_jobs indices: %v", err)
		}
		if _, err := tx.Exec(sqlCreateActivitiesIndices); err != nil {
			log.Printf("Warning: Failed to create activities indices: %v", err)
		}
		return nil
	})
}

func (db *DB) createTableIfNotExists(tx *sql.Tx, createSQL string, tableName string) error {
	_, err := tx.Exec(createSQL)
	if err != nil {
		log.Printf("Error creating table %s: %v", tableName, err)
		return err
	}
	return nil
}
