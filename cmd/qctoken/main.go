// qctoken mints bearer tokens for the QC API, signed with the server's
// configured JWT secret. User management lives in the survey platform; this
// is for operators and local testing.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/fieldqa/qcreview/internal/config"
	"github.com/fieldqa/qcreview/internal/utils"
)

func main() {
	userID := flag.Uint("user", 0, "user id carried in the token")
	username := flag.String("name", "", "username carried in the token")
	role := flag.String("role", utils.RoleReviewer, "admin, reviewer or interviewer")
	hours := flag.Int("hours", 12, "token lifetime in hours")
	flag.Parse()

	if *userID == 0 {
		log.Fatal("-user is required")
	}
	switch *role {
	case utils.RoleAdmin, utils.RoleReviewer, utils.RoleInterviewer:
	default:
		log.Fatalf("unknown role %q", *role)
	}

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	utils.SetJWTSecret(cfg.JWT.Secret)

	name := *username
	if name == "" {
		name = fmt.Sprintf("%s-%d", *role, *userID)
	}
	token, err := utils.GenerateToken(*userID, name, *role, *hours)
	if err != nil {
		log.Fatalf("Failed to sign token: %v", err)
	}
	fmt.Println(token)
}
