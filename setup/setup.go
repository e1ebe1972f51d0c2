// Setup helps initialize applications.
package setup

import (
	"database/sql"
	"errors"
	"os"
	"sync"
	"time"

	metrics "github.com/Shyp/go-simple-metrics"
	"github.com/tabdash/mailsync/models"
	"github.com/tabdash/mailsync/models/accounts"
	"github.com/tabdash/mailsync/models/archive_queue"
	"github.com/tabdash/mailsync/models/db"
	"github.com/tabdash/mailsync/models/threads"
)

var mu sync.Mutex

var activeQueriesStmt *sql.Stmt

func prepare() (err error) {
	if !db.Connected() {
		return errors.New("No DB connection was established, can't query")
	}

	activeQueriesStmt, err = db.Conn.Prepare(`-- setup.GetActiveQueries
SELECT count(*) FROM pg_stat_activity
WHERE state='active'
	`)
	return
}

// DefaultConnection connects to a Postgres database using the DATABASE_URL
// environment variable.
var DefaultConnection = &DatabaseURLConnector{}

// DatabaseURLConnector connects to the database using the DATABASE_URL
// environment variable.
type DatabaseURLConnector struct {
	mu sync.Mutex
}

// Connect to the database using the DATABASE_URL environment variable with the
// given number of database connections, and store the result in conn.
func (dc *DatabaseURLConnector) Connect(conn *sql.DB, dbConns int) error {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	if conn == nil {
		return errors.New("setup: Cannot assign to nil conn")
	}
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		return errors.New("setup: No value provided for DATABASE_URL, cannot connect")
	}
	d, err := sql.Open("postgres", url)
	if err != nil {
		return err
	}
	d.SetMaxOpenConns(dbConns)
	if dbConns > 100 {
		d.SetMaxIdleConns(dbConns - 20)
	} else if dbConns > 50 {
		d.SetMaxIdleConns(dbConns - 10)
	} else if dbConns > 10 {
		d.SetMaxIdleConns(dbConns - 3)
	} else if dbConns > 5 {
		d.SetMaxIdleConns(dbConns - 2)
	}
	*conn = *d
	return nil
}

func GetActiveQueries() (count int64, err error) {
	err = activeQueriesStmt.QueryRow().Scan(&count)
	return
}

// MeasureActiveQueries reports the number of active Postgres queries on the
// given interval.
func MeasureActiveQueries(interval time.Duration) {
	for range time.Tick(interval) {
		count, err := GetActiveQueries()
		if err == nil {
			go metrics.Measure("active_queries.count", count)
		} else {
			go metrics.Increment("active_queries.error")
		}
	}
}

// MeasureQueueDepth reports the total and ready-to-claim archive queue sizes
// on the given interval.
func MeasureQueueDepth(interval time.Duration) {
	for range time.Tick(interval) {
		allCount, readyCount, err := archive_queue.CountReadyAndAll()
		if err == nil {
			go metrics.Measure("queue_depth.all", int64(allCount))
			go metrics.Measure("queue_depth.ready", int64(readyCount))
		} else {
			go metrics.Increment("queue_depth.error")
		}
	}
}

// MeasureItemsByStatus reports per-status archive queue counts on the given
// interval, which is how exhausted failed items surface on dashboards.
func MeasureItemsByStatus(interval time.Duration) {
	for range time.Tick(interval) {
		m, err := archive_queue.GetCountsByStatus()
		if err == nil {
			for _, status := range []models.QueueItemStatus{
				models.StatusPending,
				models.StatusProcessing,
				models.StatusCompleted,
				models.StatusFailed,
			} {
				go metrics.Measure("queue_items."+string(status), m[status])
			}
		} else {
			go metrics.Increment("queue_items.by_status.error")
		}
	}
}

// DB initializes a connection to the database, and prepares queries on all
// models.
func DB(connector db.Connector, dbConns int) error {
	mu.Lock()
	defer mu.Unlock()
	if db.Conn == nil {
		db.Conn = &sql.DB{}
	} else {
		if err := db.Conn.Ping(); err == nil {
			// Already connected.
			return nil
		}
	}
	if err := connector.Connect(db.Conn, dbConns); err != nil {
		return errors.New("Could not establish a database connection: " + err.Error())
	}
	if err := db.Conn.Ping(); err != nil {
		return errors.New("Could not establish a database connection: " + err.Error())
	}
	return PrepareAll()
}

func PrepareAll() error {
	if err := threads.Setup(); err != nil {
		return err
	}
	if err := archive_queue.Setup(); err != nil {
		return err
	}
	if err := accounts.Setup(); err != nil {
		return err
	}
	if err := prepare(); err != nil {
		return err
	}
	return nil
}
