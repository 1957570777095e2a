// gen-token mints a JWT for local API testing.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/eduvision/ev-presence/internal/tokens"
)

func main() {
	subject := flag.String("subject", "dev", "token subject")
	role := flag.String("role", tokens.RoleOperator, "viewer or operator")
	ttl := flag.Duration("ttl", 12*time.Hour, "token lifetime")
	flag.Parse()

	secret := os.Getenv("AUTH_SECRET")
	if secret == "" {
		secret = "dev-secret-do-not-use-in-prod"
	}

	if *role != tokens.RoleViewer && *role != tokens.RoleOperator {
		log.Fatalf("unknown role %q", *role)
	}

	token, err := tokens.NewManager(secret, *ttl).Generate(*subject, *role)
	if err != nil {
		log.Fatalf("generate: %v", err)
	}
	fmt.Println(token)
}
