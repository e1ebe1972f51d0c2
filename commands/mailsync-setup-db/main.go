// Create the mailsync database schema.
//
// Safe to run more than once; every statement is conditional on the object
// not existing yet.
package main

import (
	"database/sql"
	"log"

	"github.com/tabdash/mailsync/config"
	"github.com/tabdash/mailsync/models/db"
	"github.com/tabdash/mailsync/setup"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS threads (
	id uuid PRIMARY KEY,
	user_id uuid NOT NULL,
	conversation_id text NOT NULL,
	subject text,
	status text NOT NULL DEFAULT 'active',
	archived_at timestamp with time zone,
	archive_source text,
	archive_requested_from_ui boolean NOT NULL DEFAULT false,
	escalation_level text,
	billing_status text,
	participant_count integer NOT NULL DEFAULT 0,
	created_at timestamp with time zone NOT NULL DEFAULT now(),
	updated_at timestamp with time zone NOT NULL DEFAULT now(),
	CONSTRAINT threads_user_id_conversation_id_key UNIQUE (user_id, conversation_id),
	CONSTRAINT threads_status_check CHECK (status IN ('active', 'archived', 'waiting', 'resolved')),
	CONSTRAINT threads_archived_at_check CHECK ((status = 'archived') = (archived_at IS NOT NULL))
)`,

	`CREATE TABLE IF NOT EXISTS archive_queue (
	id uuid PRIMARY KEY,
	user_id uuid NOT NULL,
	thread_id uuid NOT NULL UNIQUE REFERENCES threads (id) ON DELETE CASCADE,
	conversation_id text NOT NULL,
	status text NOT NULL DEFAULT 'pending',
	attempts smallint NOT NULL DEFAULT 0,
	max_attempts smallint NOT NULL DEFAULT 3,
	error_message text,
	created_at timestamp with time zone NOT NULL DEFAULT now(),
	updated_at timestamp with time zone NOT NULL DEFAULT now(),
	processed_at timestamp with time zone,
	next_retry_at timestamp with time zone,
	CONSTRAINT archive_queue_status_check CHECK (status IN ('pending', 'processing', 'completed', 'failed')),
	CONSTRAINT archive_queue_attempts_check CHECK (attempts <= max_attempts)
)`,

	`CREATE INDEX IF NOT EXISTS archive_queue_eligible_idx
	ON archive_queue (created_at)
	WHERE status IN ('pending', 'failed')`,

	`CREATE TABLE IF NOT EXISTS mail_accounts (
	user_id uuid PRIMARY KEY,
	email text NOT NULL,
	access_token text NOT NULL,
	token_expires_at timestamp with time zone,
	created_at timestamp with time zone NOT NULL DEFAULT now(),
	updated_at timestamp with time zone NOT NULL DEFAULT now()
)`,
}

func main() {
	config.LoadEnvFile()
	// Connect without preparing the model queries; the tables they touch may
	// not exist yet.
	db.Conn = &sql.DB{}
	if err := setup.DefaultConnection.Connect(db.Conn, 1); err != nil {
		log.Fatal(err)
	}
	for _, stmt := range schema {
		if _, err := db.Conn.Exec(stmt); err != nil {
			log.Fatal(err)
		}
	}
	log.Println("Schema is up to date.")
}
