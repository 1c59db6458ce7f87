package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"rupeek/internal/auth"
	"rupeek/internal/cli"
)

// rupeek-token mints a bearer token for local development. The secret is
// read from JWT_SECRET, which .env may provide.
func main() {
	cli.LoadEnvFile()

	user := flag.String("user", "", "user id to issue the token for")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	if *user == "" {
		log.Fatalf("set -user")
	}
	secret := os.Getenv("JWT_SECRET")
	if len(secret) < 16 {
		log.Fatalf("JWT_SECRET must be at least 16 characters")
	}

	token, err := auth.NewTokenVerifier(secret).Issue(*user, *ttl)
	if err != nil {
		log.Fatalf("issue token: %v", err)
	}
	fmt.Println(token)
}
