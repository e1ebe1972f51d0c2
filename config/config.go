// Config loads configuration.
package config

import (
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

const Version = "1.0"

// LoadEnvFile loads a .env file if one exists in the working directory, so
// local development doesn't need a dozen exported variables. A missing file
// is not an error; the environment wins over the file either way.
func LoadEnvFile() {
	if _, err := os.Stat(".env"); err != nil {
		return
	}
	if err := godotenv.Load(); err != nil {
		log.Printf("Error loading .env file: %s", err)
	}
}

// GetInt loads the environment variable varName, converts it to an integer,
// and returns that integer or an error.
func GetInt(varName string) (int, error) {
	envVar := os.Getenv(varName)
	return strconv.Atoi(envVar)
}

// GetURLOrBail loads the environment variable urlEnvVar, parses it as a URL,
// and exits the process if the variable is unset or unparseable.
func GetURLOrBail(urlEnvVar string) *url.URL {
	rawUrl := os.Getenv(urlEnvVar)
	if rawUrl == "" {
		log.Fatal(fmt.Errorf("No URL configured. Please set %s", urlEnvVar))
	}
	parsedUrl, err := url.Parse(rawUrl)
	if err != nil {
		log.Fatalf("Invalid url: %s. %s\n", rawUrl, err.Error())
	}
	return parsedUrl
}

// SetMaxIdleConnsPerHost sets the MaxIdleConnsPerHost value for the default
// HTTP transport. If you are using a custom transport, calling this function
// won't change anything.
func SetMaxIdleConnsPerHost(maxConns int) {
	http.DefaultTransport.(*http.Transport).MaxIdleConnsPerHost = maxConns
}
