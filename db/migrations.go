package db

import (
	"database/sql"
	"log"
)

const (
	sqlCreateActorsTable = `CREATE TABLE IF NOT EXISTS actors (
		id TEXT NOT NULL PRIMARY KEY,
		username TEXT NOT NULL,
		domain TEXT NOT NULL,
		actor_uri TEXT UNIQUE NOT NULL,
		inbox_uri TEXT NOT NULL,
		shared_inbox_uri TEXT DEFAULT '',
		public_key_pem TEXT NOT NULL,
		private_key_pem TEXT DEFAULT '',
		local INTEGER DEFAULT 0,
		banned INTEGER DEFAULT 0,
		tombstoned INTEGER DEFAULT 0,
		last_fetched_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		last_failed_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(username, domain)
	)`

	sqlCreateActorsIndices = `
		CREATE INDEX IF NOT EXISTS idx_actors_actor_uri ON actors(actor_uri);
		CREATE INDEX IF NOT EXISTS idx_actors_domain ON actors(domain);
	`

	sqlCreateFollowsTable = `CREATE TABLE IF NOT EXISTS follows (
		id TEXT NOT NULL PRIMARY KEY,
		actor_uri TEXT NOT NULL,
		target_uri TEXT NOT NULL,
		uri TEXT NOT NULL,
		accepted INTEGER DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(actor_uri, target_uri)
	)`

	sqlCreateFollowsIndices = `
		CREATE INDEX IF NOT EXISTS idx_follows_uri ON follows(uri);
		CREATE INDEX IF NOT EXISTS idx_follows_target_uri ON follows(target_uri);
	`

	sqlCreateBlocksTable = `CREATE TABLE IF NOT EXISTS blocks (
		id TEXT NOT NULL PRIMARY KEY,
		actor_uri TEXT NOT NULL,
		target_uri TEXT NOT NULL,
		uri TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(actor_uri, target_uri)
	)`

	sqlCreatePostsTable = `CREATE TABLE IF NOT EXISTS posts (
		id TEXT NOT NULL PRIMARY KEY,
		uri TEXT UNIQUE NOT NULL,
		actor_uri TEXT NOT NULL,
		type TEXT NOT NULL,
		title TEXT DEFAULT '',
		content TEXT DEFAULT '',
		in_reply_to TEXT DEFAULT '',
		score INTEGER DEFAULT 0,
		deleted INTEGER DEFAULT 0,
		published TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreatePostsIndices = `
		CREATE INDEX IF NOT EXISTS idx_posts_uri ON posts(uri);
		CREATE INDEX IF NOT EXISTS idx_posts_actor_uri ON posts(actor_uri);
	`

	sqlCreateVotesTable = `CREATE TABLE IF NOT EXISTS votes (
		id TEXT NOT NULL PRIMARY KEY,
		actor_uri TEXT NOT NULL,
		object_uri TEXT NOT NULL,
		uri TEXT NOT NULL,
		score INTEGER NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(actor_uri, object_uri)
	)`

	sqlCreateVotesIndices = `
		CREATE INDEX IF NOT EXISTS idx_votes_object_uri ON votes(object_uri);
		CREATE INDEX IF NOT EXISTS idx_votes_uri ON votes(uri);
	`

	sqlCreateAnnouncesTable = `CREATE TABLE IF NOT EXISTS announces (
		id TEXT NOT NULL PRIMARY KEY,
		actor_uri TEXT NOT NULL,
		object_uri TEXT NOT NULL,
		uri TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(actor_uri, object_uri)
	)`

	sqlCreateReportsTable = `CREATE TABLE IF NOT EXISTS reports (
		id TEXT NOT NULL PRIMARY KEY,
		actor_uri TEXT NOT NULL,
		object_uri TEXT NOT NULL,
		reason TEXT DEFAULT '',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateCollectionItemsTable = `CREATE TABLE IF NOT EXISTS collection_items (
		id TEXT NOT NULL PRIMARY KEY,
		collection_uri TEXT NOT NULL,
		object_uri TEXT NOT NULL,
		actor_uri TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(collection_uri, object_uri)
	)`

	// The UNIQUE constraint on activity_uri is what makes ClaimActivity
	// atomic: the second concurrent insert becomes a no-op.
	sqlCreateProcessedActivitiesTable = `CREATE TABLE IF NOT EXISTS processed_activities (
		activity_uri TEXT NOT NULL PRIMARY KEY,
		activity_type TEXT NOT NULL,
		actor_uri TEXT NOT NULL,
		object_uri TEXT DEFAULT '',
		outcome TEXT DEFAULT 'claimed',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateProcessedActivitiesIndices = `
		CREATE INDEX IF NOT EXISTS idx_processed_activities_created_at ON processed_activities(created_at);
		CREATE INDEX IF NOT EXISTS idx_processed_activities_object_uri ON processed_activities(object_uri);
	`

	sqlCreateDeliveryQueueTable = `CREATE TABLE IF NOT EXISTS delivery_queue (
		id TEXT NOT NULL PRIMARY KEY,
		inbox_uri TEXT NOT NULL,
		actor_uri TEXT NOT NULL,
		activity_json TEXT NOT NULL,
		attempts INTEGER DEFAULT 0,
		next_attempt_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		status TEXT DEFAULT 'pending',
		last_error TEXT DEFAULT '',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateDeliveryQueueIndices = `
		CREATE INDEX IF NOT EXISTS idx_delivery_queue_status_next ON delivery_queue(status, next_attempt_at);
	`
)

// RunMigrations executes all database migrations
func (db *DB) RunMigrations() error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		tables := []struct {
			name string
			ddl  string
		}{
			{"actors", sqlCreateActorsTable},
			{"follows", sqlCreateFollowsTable},
			{"blocks", sqlCreateBlocksTable},
			{"posts", sqlCreatePostsTable},
			{"votes", sqlCreateVotesTable},
			{"announces", sqlCreateAnnouncesTable},
			{"reports", sqlCreateReportsTable},
			{"collection_items", sqlCreateCollectionItemsTable},
			{"processed_activities", sqlCreateProcessedActivitiesTable},
			{"delivery_queue", sqlCreateDeliveryQueueTable},
		}
		for _, table := range tables {
			if err := db.createTableIfNotExists(tx, table.ddl, table.name); err != nil {
				return err
			}
		}

		indices := []string{
			sqlCreateActorsIndices,
			sqlCreateFollowsIndices,
			sqlCreatePostsIndices,
			sqlCreateVotesIndices,
			sqlCreateProcessedActivitiesIndices,
			sqlCreateDeliveryQueueIndices,
		}
		for _, ddl := range indices {
			if _, err := tx.Exec(ddl); err != nil {
				log.Printf("Warning: Failed to create indices: %v", err)
			}
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
