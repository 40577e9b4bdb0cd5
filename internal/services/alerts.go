package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/demandcast/demandcast-go/internal/config"
	"github.com/demandcast/demandcast-go/internal/database"
	"github.com/demandcast/demandcast-go/internal/models"
	"github.com/demandcast/demandcast-go/internal/telemetry"
)

const (
	// defaultMinRiskRatio flags a series once projected demand reaches 80%
	// of current stock.
	defaultMinRiskRatio = 0.8
	// maxAlertsPerMessage caps how many series one telegram message details.
	maxAlertsPerMessage = 3
)

// stockReader is the slice of the sales repository the alert service needs.
type stockReader interface {
	LatestStock(ctx context.Context, key models.SeriesKey) (*database.StockSnapshot, error)
}

// AlertStats summarizes alert activity for the health endpoint.
type AlertStats struct {
	Enabled     bool      `json:"enabled"`
	Deliverable bool      `json:"deliverable"`
	AlertsSent  int64     `json:"alerts_sent"`
	LastAlertAt time.Time `json:"last_alert_at"`
}

// AlertService compares fresh forecasts against current stock and notifies
// the configured telegram chats when a series is projected to run out.
type AlertService struct {
	telegramBot  *bot.Bot
	chatIDs      []int64
	stocks       stockReader
	minRiskRatio float64
	enabled      bool
	logger       *logrus.Logger
	tracer       *telemetry.BusinessTracer

	mu          sync.Mutex
	alertsSent  int64
	lastAlertAt time.Time
}

// NewAlertService wires the telegram bot when a token is configured. Without
// a token (or when the bot fails to initialize) the service still evaluates
// and logs stockout risk, it just cannot deliver messages.
func NewAlertService(cfg config.AlertsConfig, stocks stockReader, logger *logrus.Logger) *AlertService {
	var telegramBot *bot.Bot
	if cfg.TelegramBotToken != "" {
		b, err := bot.New(cfg.TelegramBotToken)
		if err != nil {
			logger.WithError(err).Warn("Failed to initialize telegram bot, stockout alerts will only be logged")
		} else {
			telegramBot = b
		}
	}

	minRatio := cfg.MinRiskRatio
	if minRatio <= 0 {
		minRatio = defaultMinRiskRatio
	}

	return &AlertService{
		telegramBot:  telegramBot,
		chatIDs:      cfg.ChatIDs,
		stocks:       stocks,
		minRiskRatio: minRatio,
		enabled:      cfg.StockoutEnabled,
		logger:       logger,
		tracer:       telemetry.NewBusinessTracer(),
	}
}

// Enabled reports whether stockout evaluation is turned on.
func (s *AlertService) Enabled() bool {
	return s.enabled
}

// Deliverable reports whether alerts can actually reach a telegram chat.
func (s *AlertService) Deliverable() bool {
	return s.telegramBot != nil && len(s.chatIDs) > 0
}

// CheckAndAlert evaluates a batch of fresh forecasts and delivers one message
// covering every series at risk. Returns the alerts that were raised.
func (s *AlertService) CheckAndAlert(ctx context.Context, results []*models.ForecastResult) []models.StockoutAlert {
	alerts := s.Evaluate(ctx, results)
	if len(alerts) > 0 {
		s.Deliver(ctx, alerts)
	}
	return alerts
}

// Evaluate checks each forecast against the latest stock level and returns
// the series whose projected demand crosses the risk threshold, most severe
// first. Series without stock data are skipped.
func (s *AlertService) Evaluate(ctx context.Context, results []*models.ForecastResult) []models.StockoutAlert {
	if !s.enabled {
		return nil
	}

	var alerts []models.StockoutAlert
	for _, result := range results {
		if result == nil {
			continue
		}
		alert, err := s.evaluateOne(ctx, result)
		if err != nil {
			s.logger.WithError(err).WithField("series", result.Series.String()).
				Warn("Failed to evaluate stockout risk")
			continue
		}
		if alert != nil {
			alerts = append(alerts, *alert)
		}
	}

	sort.Slice(alerts, func(i, j int) bool {
		return alerts[i].RiskRatio > alerts[j].RiskRatio
	})

	return alerts
}

func (s *AlertService) evaluateOne(ctx context.Context, result *models.ForecastResult) (*models.StockoutAlert, error) {
	_, span := s.tracer.TraceStockoutCheck(ctx, result.Series.String())
	defer span.End()

	snap, err := s.stocks.LatestStock(ctx, result.Series)
	if err != nil {
		s.tracer.RecordStockoutResult(span, false, 0, err)
		return nil, err
	}
	if snap == nil {
		// No sales rows at all, nothing to protect.
		s.tracer.RecordStockoutResult(span, false, 0, nil)
		return nil, nil
	}

	projected := result.TotalDemand()
	if projected <= 0 {
		s.tracer.RecordStockoutResult(span, false, 0, nil)
		return nil, nil
	}

	// With no stock on hand every projected unit is unmet, so the projection
	// itself stands in for the ratio.
	riskRatio := projected
	if snap.StockLevel > 0 {
		riskRatio = projected / snap.StockLevel
	}

	if riskRatio < s.minRiskRatio {
		s.tracer.RecordStockoutResult(span, false, riskRatio, nil)
		return nil, nil
	}

	unmet := projected - snap.StockLevel
	if unmet < 0 {
		unmet = 0
	}
	revenueAtRisk := snap.UnitPrice.Mul(decimal.NewFromFloat(unmet)).Round(2)

	alert := &models.StockoutAlert{
		Series:          result.Series,
		CurrentStock:    snap.StockLevel,
		ProjectedDemand: projected,
		RiskRatio:       riskRatio,
		RevenueAtRisk:   revenueAtRisk,
		Horizon:         result.Horizon,
		CreatedAt:       time.Now().UTC(),
	}

	s.logger.WithFields(logrus.Fields{
		"series":           alert.Series.String(),
		"current_stock":    alert.CurrentStock,
		"projected_demand": alert.ProjectedDemand,
		"risk_ratio":       fmt.Sprintf("%.2f", alert.RiskRatio),
		"revenue_at_risk":  alert.RevenueAtRisk.String(),
	}).Warn("Stockout risk detected")

	s.tracer.RecordStockoutResult(span, true, riskRatio, nil)
	return alert, nil
}

// Deliver sends one formatted message to every configured chat. Send failures
// are logged per chat and never abort the remaining recipients.
func (s *AlertService) Deliver(ctx context.Context, alerts []models.StockoutAlert) {
	if len(alerts) == 0 {
		return
	}
	if s.telegramBot == nil {
		s.logger.Debug("Telegram bot not initialized, skipping stockout notification")
		return
	}
	if len(s.chatIDs) == 0 {
		s.logger.Debug("No telegram chats configured, skipping stockout notification")
		return
	}

	text := formatStockoutMessage(alerts)
	delivered := 0
	for _, chatID := range s.chatIDs {
		_, err := s.telegramBot.SendMessage(ctx, &bot.SendMessageParams{
			ChatID:    chatID,
			Text:      text,
			ParseMode: tgmodels.ParseModeMarkdown,
		})
		if err != nil {
			s.logger.WithError(err).WithField("chat_id", chatID).
				Error("Failed to send stockout alert")
			continue
		}
		delivered++
	}

	if delivered > 0 {
		s.mu.Lock()
		s.alertsSent += int64(len(alerts))
		s.lastAlertAt = time.Now().UTC()
		s.mu.Unlock()

		s.logger.WithFields(logrus.Fields{
			"alerts": len(alerts),
			"chats":  delivered,
		}).Info("Stockout alerts delivered")
	}
}

// Stats returns delivery counters for the health endpoint.
func (s *AlertService) Stats() AlertStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return AlertStats{
		Enabled:     s.enabled,
		Deliverable: s.Deliverable(),
		AlertsSent:  s.alertsSent,
		LastAlertAt: s.lastAlertAt,
	}
}

func formatStockoutMessage(alerts []models.StockoutAlert) string {
	var sb strings.Builder
	sb.WriteString("🚨 *Stockout Risk Alert*\n\n")

	shown := alerts
	if len(shown) > maxAlertsPerMessage {
		shown = shown[:maxAlertsPerMessage]
	}

	for _, a := range shown {
		sb.WriteString(fmt.Sprintf("📦 *%s* @ %s\n", a.Series.ProductID, a.Series.StoreID))
		sb.WriteString(fmt.Sprintf("   Projected demand (%dd): %.1f units\n", a.Horizon, a.ProjectedDemand))
		sb.WriteString(fmt.Sprintf("   Current stock: %.1f units\n", a.CurrentStock))
		sb.WriteString(fmt.Sprintf("   Risk ratio: %.2f\n", a.RiskRatio))
		sb.WriteString(fmt.Sprintf("   💰 Revenue at risk: $%s\n\n", a.RevenueAtRisk.StringFixed(2)))
	}

	if len(alerts) > maxAlertsPerMessage {
		sb.WriteString(fmt.Sprintf("...and %d more series at risk\n\n", len(alerts)-maxAlertsPerMessage))
	}

	sb.WriteString(fmt.Sprintf("_%s_", time.Now().UTC().Format("2006-01-02 15:04 UTC")))
	return sb.String()
}
