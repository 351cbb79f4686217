package db

import (
	"database/sql"

	"github.com/deemkeen/mammut/domain"
	"github.com/google/uuid"
)

// Post queries
const (
	sqlUpsertPost = `INSERT INTO posts(id, uri, actor_uri, type, title, content, in_reply_to, score, deleted, published, updated_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(uri) DO UPDATE SET
				title = excluded.title,
				content = excluded.content,
				updated_at = excluded.updated_at`
	sqlSelectPostByURI = `SELECT id, uri, actor_uri, type, title, content, in_reply_to, score, deleted, published, updated_at, created_at FROM posts WHERE uri = ?`
	sqlTombstonePost   = `UPDATE posts SET deleted = 1, title = '', content = '' WHERE uri = ?`
	sqlAdjustPostScore = `UPDATE posts SET score = score + ? WHERE uri = ?`
)

func (db *DB) UpsertPost(post *domain.Post) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpsertPost,
			post.Id.String(),
			post.URI,
			post.ActorURI,
			post.Type,
			post.Title,
			post.Content,
			post.InReplyTo,
			post.Score,
			post.Deleted,
			post.Published,
			post.UpdatedAt,
			post.CreatedAt,
		)
		return err
	})
}

func (db *DB) ReadPostByURI(uri string) (error, *domain.Post) {
	row := db.db.QueryRow(sqlSelectPostByURI, uri)
	var post domain.Post
	var idStr string
	err := row.Scan(
		&idStr,
		&post.URI,
		&post.ActorURI,
		&post.Type,
		&post.Title,
		&post.Content,
		&post.InReplyTo,
		&post.Score,
		&post.Deleted,
		&post.Published,
		&post.UpdatedAt,
		&post.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return err, nil
	}
	if err != nil {
		return err, nil
	}
	post.Id, _ = uuid.Parse(idStr)
	return nil, &post
}

func (db *DB) TombstonePost(uri string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlTombstonePost, uri)
		return err
	})
}

// Vote queries
const (
	sqlSelectVote = `SELECT id, actor_uri, object_uri, uri, score, created_at FROM votes WHERE actor_uri = ? AND object_uri = ?`
	sqlUpsertVote = `INSERT INTO votes(id, actor_uri, object_uri, uri, score, created_at) VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(actor_uri, object_uri) DO UPDATE SET uri = excluded.uri, score = excluded.score`
	sqlDeleteVote      = `DELETE FROM votes WHERE actor_uri = ? AND object_uri = ?`
	sqlDeleteVoteByURI = `DELETE FROM votes WHERE uri = ?`
	sqlSelectVoteByURI = `SELECT id, actor_uri, object_uri, uri, score, created_at FROM votes WHERE uri = ?`
)

// UpsertVote stores a vote keyed by (actor, object) and adjusts the target
// post's cached score by the delta against any previous vote from the same
// actor, all inside one transaction. Re-applying the identical vote is a
// no-op for the aggregate.
func (db *DB) UpsertVote(vote *domain.Vote) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		var previous int
		err := tx.QueryRow(`SELECT score FROM votes WHERE actor_uri = ? AND object_uri = ?`, vote.ActorURI, vote.ObjectURI).Scan(&previous)
		if err != nil && err != sql.ErrNoRows {
			return err
		}

		if _, err := tx.Exec(sqlUpsertVote,
			vote.Id.String(),
			vote.ActorURI,
			vote.ObjectURI,
			vote.URI,
			vote.Score,
			vote.CreatedAt,
		); err != nil {
			return err
		}

		delta := vote.Score - previous
		if delta != 0 {
			if _, err := tx.Exec(sqlAdjustPostScore, delta, vote.ObjectURI); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *DB) ReadVote(actorURI, objectURI string) (error, *domain.Vote) {
	return db.scanVote(db.db.QueryRow(sqlSelectVote, actorURI, objectURI))
}

func (db *DB) ReadVoteByURI(uri string) (error, *domain.Vote) {
	return db.scanVote(db.db.QueryRow(sqlSelectVoteByURI, uri))
}

func (db *DB) scanVote(row *sql.Row) (error, *domain.Vote) {
	var vote domain.Vote
	var idStr string
	err := row.Scan(
		&idStr,
		&vote.ActorURI,
		&vote.ObjectURI,
		&vote.URI,
		&vote.Score,
		&vote.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return err, nil
	}
	if err != nil {
		return err, nil
	}
	vote.Id, _ = uuid.Parse(idStr)
	return nil, &vote
}

// DeleteVote removes a vote and backs its score out of the post aggregate.
func (db *DB) DeleteVote(actorURI, objectURI string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		var previous int
		err := tx.QueryRow(`SELECT score FROM votes WHERE actor_uri = ? AND object_uri = ?`, actorURI, objectURI).Scan(&previous)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.Exec(sqlDeleteVote, actorURI, objectURI); err != nil {
			return err
		}
		_, err = tx.Exec(sqlAdjustPostScore, -previous, objectURI)
		return err
	})
}

// Announce queries
const (
	sqlUpsertAnnounce = `INSERT INTO announces(id, actor_uri, object_uri, uri, created_at) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(actor_uri, object_uri) DO UPDATE SET uri = excluded.uri`
	sqlSelectAnnounceByURI = `SELECT id, actor_uri, object_uri, uri, created_at FROM announces WHERE uri = ?`
	sqlDeleteAnnounceByURI = `DELETE FROM announces WHERE uri = ?`
)

func (db *DB) UpsertAnnounce(announce *domain.Announce) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpsertAnnounce,
			announce.Id.String(),
			announce.ActorURI,
			announce.ObjectURI,
			announce.URI,
			announce.CreatedAt,
		)
		return err
	})
}

func (db *DB) ReadAnnounceByURI(uri string) (error, *domain.Announce) {
	row := db.db.QueryRow(sqlSelectAnnounceByURI, uri)
	var announce domain.Announce
	var idStr string
	err := row.Scan(
		&idStr,
		&announce.ActorURI,
		&announce.ObjectURI,
		&announce.URI,
		&announce.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return err, nil
	}
	if err != nil {
		return err, nil
	}
	announce.Id, _ = uuid.Parse(idStr)
	return nil, &announce
}

func (db *DB) DeleteAnnounceByURI(uri string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteAnnounceByURI, uri)
		return err
	})
}

// Report queries
const (
	sqlInsertReport = `INSERT INTO reports(id, actor_uri, object_uri, reason, created_at) VALUES (?, ?, ?, ?, ?)`
)

func (db *DB) CreateReport(report *domain.Report) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertReport,
			report.Id.String(),
			report.ActorURI,
			report.ObjectURI,
			report.Reason,
			report.CreatedAt,
		)
		return err
	})
}

// Collection queries
const (
	sqlUpsertCollectionItem = `INSERT INTO collection_items(id, collection_uri, object_uri, actor_uri, created_at) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(collection_uri, object_uri) DO NOTHING`
	sqlDeleteCollectionItem = `DELETE FROM collection_items WHERE collection_uri = ? AND object_uri = ?`
)

func (db *DB) AddCollectionItem(item *domain.CollectionItem) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpsertCollectionItem,
			item.Id.String(),
			item.CollectionURI,
			item.ObjectURI,
			item.ActorURI,
			item.CreatedAt,
		)
		return err
	})
}

func (db *DB) RemoveCollectionItem(collectionURI, objectURI string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteCollectionItem, collectionURI, objectURI)
		return err
	})
}
