package test

import (
	"fmt"
	"os"
	"testing"

	"github.com/tabdash/mailsync/models/db"
	"github.com/tabdash/mailsync/setup"
)

func SetUp(t testing.TB) {
	t.Helper()
	if os.Getenv("DATABASE_URL") == "" {
		os.Setenv("DATABASE_URL", "postgres://mailsync@localhost:5432/mailsync_test?sslmode=disable&timezone=UTC")
	}
	if err := setup.DB(setup.DefaultConnection, 10); err != nil {
		t.Fatal(err)
	}
}

// TruncateTables deletes all records from the database.
func TruncateTables(t testing.TB) error {
	getTableDelete := func(table string) string {
		return "DELETE FROM " + table
	}
	var name string
	if t == nil {
		name = "TruncateTables"
	} else {
		name = t.Name()
	}
	_, err := db.Conn.Exec(fmt.Sprintf("-- %s\n%s;\n%s;\n%s",
		name,
		getTableDelete("archive_queue"),
		getTableDelete("mail_accounts"),
		getTableDelete("threads"),
	))
	return err
}

// TearDown deletes all records from the database, and marks the test as failed
// if this was unsuccessful.
func TearDown(t testing.TB) {
	t.Helper()
	if db.Connected() {
		if err := TruncateTables(t); err != nil {
			t.Fatal(err)
		}
	}
}
