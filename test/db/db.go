package db

import (
	"fmt"
	"os"
	"testing"

	"github.com/tabdash/mailsync/models/db"
	"github.com/tabdash/mailsync/setup"
)

func SetUp(t *testing.T) {
	if os.Getenv("DATABASE_URL") == "" {
		os.Setenv("DATABASE_URL", "postgres://mailsync@localhost:5432/mailsync_test?sslmode=disable&timezone=UTC")
	}
	if err := setup.DB(setup.DefaultConnection, 10); err != nil {
		t.Fatal(err)
	}
}

func TearDown(t *testing.T) {
	getTableDelete := func(table string) string {
		return fmt.Sprintf("DELETE FROM %[1]s", table)
	}
	if db.Connected() {
		_, err := db.Conn.Exec(fmt.Sprintf("BEGIN; %s;\n%s;\n%s; COMMIT",
			getTableDelete("archive_queue"),
			getTableDelete("mail_accounts"),
			getTableDelete("threads"),
		))
		if err != nil {
			t.Fatal(err)
		}
	}
}
