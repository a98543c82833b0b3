package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/qs3c/ui_diff_server/config"
	"github.com/qs3c/ui_diff_server/internal/pkg/jwt"
)

var (
	client = flag.String("client", "", "Client name embedded in the token (e.g. ci-pipeline)")
	hours  = flag.Int("hours", 0, "Token lifetime in hours (0 uses jwt.expire_hours)")
)

// 为调用方签发访问 API 的服务令牌
func main() {
	flag.Parse()

	if *client == "" {
		log.Fatal("-client is required")
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.JWT.Secret == "" {
		log.Fatal("jwt.secret is not configured")
	}

	expire := *hours
	if expire <= 0 {
		expire = cfg.JWT.ExpireHours
	}
	if expire <= 0 {
		expire = 24 * 365
	}

	token, err := jwt.GenerateToken(*client, cfg.JWT.Secret, expire)
	if err != nil {
		log.Fatalf("Failed to generate token: %v", err)
	}
	fmt.Println(token)
}
