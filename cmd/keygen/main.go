package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/tjfontaine/polyglot-token-pool/internal/auth"
)

func main() {
	subject := flag.String("subject", "admin", "subject recorded in the token and in admin logs")
	lifetime := flag.Duration("lifetime", auth.DefaultTokenLifetime, "how long the token stays valid")
	flag.Parse()

	_ = godotenv.Load()

	secret := os.Getenv("POLY_ADMIN__JWT_SECRET")
	if secret == "" {
		fmt.Println("Usage: POLY_ADMIN__JWT_SECRET=<secret> go run cmd/keygen/main.go [-subject name] [-lifetime 24h]")
		fmt.Println("Mints a bearer token for the /admin API signed with admin.jwt_secret")
		os.Exit(1)
	}

	authenticator, err := auth.NewAuthenticator(secret)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	token, err := authenticator.IssueToken(*subject, *lifetime)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Subject: %s\n", *subject)
	fmt.Printf("Expires: %s\n", time.Now().Add(*lifetime).Format(time.RFC3339))
	fmt.Println("\nUse it as:")
	fmt.Printf("  Authorization: Bearer %s\n", token)
}
