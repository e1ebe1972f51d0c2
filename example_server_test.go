// Run the mailsync server.
//
// All of the project defaults are used. There is one authenticated user for
// basic auth, the user is "test" and the password is "archiveallthethings".
// You will want to copy this binary and add your own authentication scheme.
package mailsync

import (
	"log"
	"net/http"
	"os"
	"time"

	metrics "github.com/Shyp/go-simple-metrics"
	"github.com/gorilla/handlers"
	"github.com/tabdash/mailsync/config"
	"github.com/tabdash/mailsync/server"
	"github.com/tabdash/mailsync/setup"
)

var serverDbConns int

func init() {
	var err error
	serverDbConns, err = config.GetInt("PG_SERVER_POOL_SIZE")
	if err != nil {
		log.Printf("Error getting database pool size: %s. Defaulting to 10", err)
		serverDbConns = 10
	}

	metrics.Namespace = "mailsync.server"

	// Change this user to a private value
	server.AddUser("test", "archiveallthethings")
}

func Example_server() {
	if err := setup.DB(setup.DefaultConnection, serverDbConns); err != nil {
		log.Fatal(err)
	}

	metrics.Start("web")

	go setup.MeasureActiveQueries(5 * time.Second)

	log.Println("Listening on port 9090")
	log.Fatal(http.ListenAndServe(":9090", handlers.LoggingHandler(os.Stdout, server.DefaultServer)))
}
