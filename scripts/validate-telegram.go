package main

import (
	"context"
	"fmt"
	"os"

	"github.com/demandcast/demandcast-go/internal/config"
	"github.com/go-telegram/bot"
	"github.com/joho/godotenv"
)

func main() {
	fmt.Println("🔧 Validating stockout alert configuration...")

	// Load .env file
	if err := godotenv.Load(); err != nil {
		fmt.Printf("⚠️  Warning: Could not load .env file: %v\n", err)
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("❌ Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if !cfg.Alerts.StockoutEnabled {
		fmt.Println("⚠️  Stockout alerts are disabled (alerts.stockout_enabled=false)")
	}

	// Check if the Telegram bot token is configured
	if cfg.Alerts.TelegramBotToken == "" {
		fmt.Println("❌ TELEGRAM_BOT_TOKEN is not configured")
		os.Exit(1)
	}

	fmt.Printf("✅ TELEGRAM_BOT_TOKEN is configured (length: %d)\n", len(cfg.Alerts.TelegramBotToken))

	// Alerts need at least one destination chat
	if len(cfg.Alerts.ChatIDs) == 0 {
		fmt.Println("❌ No alert chat IDs configured (alerts.chat_ids)")
		os.Exit(1)
	}

	fmt.Printf("✅ %d alert chat ID(s) configured\n", len(cfg.Alerts.ChatIDs))
	fmt.Printf("✅ Minimum risk ratio: %.2f\n", cfg.Alerts.MinRiskRatio)

	// Try to create bot instance
	b, err := bot.New(cfg.Alerts.TelegramBotToken)
	if err != nil {
		fmt.Printf("❌ Failed to create Telegram bot: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("✅ Telegram bot created successfully")

	// Try to get bot info (this makes an actual API call)
	fmt.Println("🔍 Testing bot API connection...")
	ctx := context.Background()
	botInfo, err := b.GetMe(ctx)
	if err != nil {
		fmt.Printf("❌ Failed to get bot info: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("✅ Bot API connection successful!\n")
	fmt.Printf("   Bot Name: %s\n", botInfo.FirstName)
	fmt.Printf("   Bot Username: @%s\n", botInfo.Username)
	fmt.Printf("   Bot ID: %d\n", botInfo.ID)

	fmt.Println("\n🎉 All stockout alert configuration checks passed!")
}
