// Package security provides the order audit trail and input validation.
package security

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"
)

// AuditEventType represents the type of audit event.
type AuditEventType string

const (
	// Exchange events
	AuditOrderPlaced    AuditEventType = "ORDER_PLACED"
	AuditOrderRejected  AuditEventType = "ORDER_REJECTED"
	AuditOrderCancelled AuditEventType = "ORDER_CANCELLED"
	AuditCancelFailed   AuditEventType = "CANCEL_FAILED"

	// Lock events
	AuditLockCreated  AuditEventType = "LOCK_CREATED"
	AuditLockReleased AuditEventType = "LOCK_RELEASED"

	// Validation events
	AuditInputValidation AuditEventType = "INPUT_VALIDATION"
)

// AuditEvent represents a single audit log entry.
type AuditEvent struct {
	Timestamp time.Time              `json:"timestamp"`
	EventType AuditEventType         `json:"event_type"`
	Symbol    string                 `json:"symbol,omitempty"`
	OrderID   string                 `json:"order_id,omitempty"`
	Action    string                 `json:"action,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Success   bool                   `json:"success"`
	ErrorMsg  string                 `json:"error,omitempty"`
	SessionID string                 `json:"session_id"`
}

// AuditLogger appends audit events as JSON lines to a rotated file.
// A nil *AuditLogger discards every event.
type AuditLogger struct {
	writer    *lumberjack.Logger
	mu        sync.Mutex
	sessionID string
	now       func() time.Time
}

// AuditConfig holds audit logger configuration.
type AuditConfig struct {
	Path       string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
	Compress   bool
}

// DefaultAuditConfig returns the default audit configuration for a file path.
func DefaultAuditConfig(path string) AuditConfig {
	return AuditConfig{
		Path:       path,
		MaxSize:    50,
		MaxBackups: 30,
		MaxAge:     365,
		Compress:   true,
	}
}

// NewAuditLogger creates an audit logger writing to cfg.Path.
func NewAuditLogger(cfg AuditConfig) (*AuditLogger, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("audit log path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0700); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}

	return &AuditLogger{
		writer: &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		},
		sessionID: uuid.NewString(),
		now:       time.Now,
	}, nil
}

// SessionID identifies the process that wrote an event.
func (al *AuditLogger) SessionID() string {
	if al == nil {
		return ""
	}
	return al.sessionID
}

// Log logs an audit event.
func (al *AuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if al == nil {
		return nil
	}
	al.mu.Lock()
	defer al.mu.Unlock()

	event.Timestamp = al.now().UTC()
	event.SessionID = al.sessionID

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("serializing audit event: %w", err)
	}
	if _, err := al.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing audit event: %w", err)
	}
	return nil
}

// LogOrderPlaced records an order submission. A non-nil err records a
// rejection instead.
func (al *AuditLogger) LogOrderPlaced(ctx context.Context, orderID, symbol, side, orderType string, qty, price float64, err error) error {
	event := AuditEvent{
		EventType: AuditOrderPlaced,
		OrderID:   orderID,
		Symbol:    symbol,
		Action:    side,
		Success:   err == nil,
		Details: map[string]interface{}{
			"quantity":   qty,
			"order_type": orderType,
		},
	}
	if price > 0 {
		event.Details["price"] = price
	}
	if err != nil {
		event.EventType = AuditOrderRejected
		event.ErrorMsg = MaskSensitive(err.Error())
	}
	return al.Log(ctx, event)
}

// LogOrderCancelled records a cancel request.
func (al *AuditLogger) LogOrderCancelled(ctx context.Context, orderID string, err error) error {
	event := AuditEvent{
		EventType: AuditOrderCancelled,
		OrderID:   orderID,
		Success:   err == nil,
	}
	if err != nil {
		event.EventType = AuditCancelFailed
		event.ErrorMsg = MaskSensitive(err.Error())
	}
	return al.Log(ctx, event)
}

// LogLockCreated records a manual lock.
func (al *AuditLogger) LogLockCreated(ctx context.Context, symbol, reason string, until time.Time) error {
	return al.Log(ctx, AuditEvent{
		EventType: AuditLockCreated,
		Symbol:    symbol,
		Action:    reason,
		Success:   true,
		Details:   map[string]interface{}{"lock_end": until.UTC()},
	})
}

// LogLockReleased records a manual unlock.
func (al *AuditLogger) LogLockReleased(ctx context.Context, symbol string, released int) error {
	return al.Log(ctx, AuditEvent{
		EventType: AuditLockReleased,
		Symbol:    symbol,
		Success:   true,
		Details:   map[string]interface{}{"released": released},
	})
}

// LogInputValidation logs an input validation failure.
func (al *AuditLogger) LogInputValidation(ctx context.Context, field, value, reason string) error {
	return al.Log(ctx, AuditEvent{
		EventType: AuditInputValidation,
		Success:   false,
		ErrorMsg:  reason,
		Details: map[string]interface{}{
			"field": field,
			"value": MaskSensitive(value),
		},
	})
}

// Close closes the audit logger.
func (al *AuditLogger) Close() error {
	if al == nil {
		return nil
	}
	return al.writer.Close()
}
