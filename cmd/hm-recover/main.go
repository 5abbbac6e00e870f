// hm-recover resets an account directly against the Harbormaster
// database, for when every admin is locked out. Stop the server first:
// BoltDB allows a single writer.
//
// Usage:
//
//	hm-recover -db /data/harbormaster.db -user admin@localhost
//	hm-recover -db /data/harbormaster.db -list
package main

import (
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/harbormaster-io/harbormaster/internal/auth"
	"github.com/harbormaster-io/harbormaster/internal/store"
)

func main() {
	dbPath := flag.String("db", "/data/harbormaster.db", "path to harbormaster.db")
	username := flag.String("user", "admin@localhost", "account to recover")
	password := flag.String("password", "", "new password (generated when empty)")
	promote := flag.Bool("admin", false, "also promote the account to admin")
	list := flag.Bool("list", false, "list accounts and exit")
	flag.Parse()

	db, err := store.Open(*dbPath)
	if err != nil {
		log.Fatalf("open db: %v (is the server still running?)", err)
	}
	defer db.Close()

	if *list {
		users, err := db.ListUsers()
		if err != nil {
			log.Fatalf("list users: %v", err)
		}
		for _, u := range users {
			state := "active"
			if !u.Active {
				state = "inactive"
			}
			if u.Locked {
				state += ", locked"
			}
			fmt.Printf("%-30s %-10s %s\n", u.Username, u.Role, state)
		}
		return
	}

	user, err := db.GetUserByUsername(*username)
	if err != nil {
		log.Fatalf("get user: %v", err)
	}
	if user == nil {
		log.Fatalf("no account named %q, use -list to see accounts", *username)
	}

	newPassword := *password
	if newPassword == "" {
		newPassword = randomPassword()
	}
	hash, err := auth.HashPassword(newPassword)
	if err != nil {
		log.Fatalf("hash password: %v", err)
	}

	user.PasswordHash = hash
	user.Active = true
	user.Locked = false
	user.LockedUntil = time.Time{}
	user.FailedLogins = 0
	if *promote {
		user.Role = auth.RoleAdmin
	}
	user.UpdatedAt = time.Now().UTC()

	if err := db.UpdateUser(*user); err != nil {
		log.Fatalf("update user: %v", err)
	}
	// Kill every live session so the old credentials stop working now.
	if err := db.RevokeRefreshTokensForUser(user.ID); err != nil {
		log.Fatalf("revoke sessions: %v", err)
	}

	fmt.Printf("account %s recovered (role %s)\n", user.Username, user.Role)
	fmt.Printf("new password: %s\n", newPassword)
}

func randomPassword() string {
	buf := make([]byte, 15)
	if _, err := rand.Read(buf); err != nil {
		log.Fatalf("generate password: %v", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
