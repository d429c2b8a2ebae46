package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"hl-cycle-bot/internal/alerts"

	"go.uber.org/zap"
)

const operatorOffsetKey = "telegram:operator:last_update_id"

type operatorMeta struct {
	UpdateID int64
	UserID   int64
	Username string
	ChatID   int64
	Raw      string
}

func (a *App) startOperator(ctx context.Context) {
	if a.cfg == nil || a.alerts == nil || a.log == nil {
		return
	}
	if !a.cfg.Telegram.OperatorEnabled || !a.alerts.Enabled() {
		return
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(a.cfg.Telegram.ChatID), 10, 64)
	if err != nil {
		a.log.Warn("telegram operator disabled: invalid chat_id", zap.Error(err))
		return
	}
	pollInterval := a.cfg.Telegram.OperatorPollInterval
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	allowedUsers := make(map[int64]struct{}, len(a.cfg.Telegram.OperatorAllowedUserIDs))
	for _, id := range a.cfg.Telegram.OperatorAllowedUserIDs {
		allowedUsers[id] = struct{}{}
	}
	go a.operatorLoop(ctx, chatID, allowedUsers, pollInterval)
}

func (a *App) operatorLoop(ctx context.Context, chatID int64, allowedUsers map[int64]struct{}, pollInterval time.Duration) {
	offset := a.loadOperatorOffset(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		updates, err := a.alerts.GetUpdates(ctx, offset, pollInterval)
		if err != nil {
			if !a.operatorWarned {
				a.log.Warn("telegram operator poll failed", zap.Error(err))
				a.operatorWarned = true
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
			continue
		}
		if a.operatorWarned {
			a.log.Info("telegram operator recovered")
			a.operatorWarned = false
		}
		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
				a.saveOperatorOffset(ctx, offset)
			}
			a.handleOperatorUpdate(ctx, upd, chatID, allowedUsers)
		}
	}
}

func (a *App) handleOperatorUpdate(ctx context.Context, upd alerts.Update, chatID int64, allowedUsers map[int64]struct{}) {
	if upd.Message == nil {
		return
	}
	msg := upd.Message
	if msg.Chat == nil || msg.From == nil {
		return
	}
	if msg.Chat.ID != chatID {
		return
	}
	if len(allowedUsers) > 0 {
		if _, ok := allowedUsers[msg.From.ID]; !ok {
			return
		}
	}
	cmd, ok := parseOperatorCommand(msg.Text)
	if !ok {
		return
	}
	meta := operatorMeta{
		UpdateID: upd.UpdateID,
		UserID:   msg.From.ID,
		Username: msg.From.Username,
		ChatID:   msg.Chat.ID,
		Raw:      msg.Text,
	}
	resp := a.handleOperatorCommand(ctx, cmd, meta)
	if resp == "" {
		return
	}
	if err := a.alerts.Send(ctx, resp); err != nil {
		a.log.Warn("operator response failed", zap.Error(err))
	}
}

func parseOperatorCommand(text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || !strings.HasPrefix(trimmed, "/") {
		return "", false
	}
	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return "", false
	}
	return strings.ToLower(strings.TrimPrefix(fields[0], "/")), true
}

func (a *App) handleOperatorCommand(ctx context.Context, cmd string, meta operatorMeta) string {
	switch cmd {
	case "status":
		return a.operatorStatus()
	case "pause":
		if !a.trader.IsRunning() {
			return "cycling already paused"
		}
		a.trader.Stop()
		a.auditOperator("pause", meta)
		a.saveMachineSnapshot(ctx)
		return "cycling paused, open position left untouched"
	case "resume":
		if a.trader.IsRunning() {
			return "cycling already active"
		}
		if err := a.trader.Start(ctx); err != nil {
			return fmt.Sprintf("resume failed: %v", err)
		}
		a.auditOperator("resume", meta)
		a.saveMachineSnapshot(ctx)
		return "cycling resumed"
	case "close":
		if err := a.trader.CloseNow(ctx); err != nil {
			return fmt.Sprintf("close failed: %v", err)
		}
		a.auditOperator("close", meta)
		return "close order submitted"
	case "help":
		return operatorHelpText()
	default:
		return operatorHelpText()
	}
}

func (a *App) operatorStatus() string {
	cfg := a.trader.Config()
	running := "paused"
	if a.trader.IsRunning() {
		running = "running"
	}
	stream := "disconnected"
	if a.stream.Connected() {
		stream = "connected"
	}
	return fmt.Sprintf("%s | phase %s | %s %s x%d | stream %s",
		running, a.trader.Phase(), sideString(cfg.IsBuy), cfg.Asset, cfg.Leverage, stream)
}

func operatorHelpText() string {
	return "commands: /status /pause /resume /close /help"
}

func (a *App) auditOperator(action string, meta operatorMeta) {
	a.log.Info("operator command",
		zap.String("action", action),
		zap.Int64("update_id", meta.UpdateID),
		zap.Int64("user_id", meta.UserID),
		zap.String("username", meta.Username),
		zap.String("command", meta.Raw))
}

func (a *App) loadOperatorOffset(ctx context.Context) int64 {
	if a.store == nil {
		return 0
	}
	raw, ok, err := a.store.Get(ctx, operatorOffsetKey)
	if err != nil || !ok {
		return 0
	}
	offset, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return offset
}

func (a *App) saveOperatorOffset(ctx context.Context, offset int64) {
	if a.store == nil {
		return
	}
	if err := a.store.Set(ctx, operatorOffsetKey, strconv.FormatInt(offset, 10)); err != nil {
		a.log.Warn("operator offset save failed", zap.Error(err))
	}
}
