package main

import (
	"log"

	"github.com/tabdash/mailsync/setup"
	"github.com/tabdash/mailsync/test"
)

func main() {
	if err := setup.DB(setup.DefaultConnection, 1); err != nil {
		log.Fatal(err)
	}
	if err := test.TruncateTables(nil); err != nil {
		log.Fatal(err)
	}
}
