package proxy

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"

	"github.com/wagiedev/lspproxy/internal/protocol"
)

// LevelLog sits between Debug and Info. Backend warnings are logged at this
// level unless verbose logging is enabled.
const LevelLog = slog.LevelInfo - 2

// Message types of window/logMessage.
const (
	messageTypeError   = 1
	messageTypeWarning = 2
	messageTypeInfo    = 3
)

type logMessageParams struct {
	Type    int    `json:"type"`
	Message string `json:"message"`
}

// handleNotification receives every notification the backend sends.
func (p *Proxy) handleNotification(req *jsonrpc.Request) {
	if req.Method != protocol.MethodLogMessage {
		p.log.Debug("Backend notification", "method", req.Method)

		return
	}

	var params logMessageParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		p.log.Debug("Malformed log message from backend", "error", err)

		return
	}

	p.backendLog.Log(context.Background(), LogLevel(params.Type, p.verbose.Verbose()), params.Message)
}

// LogLevel maps a window/logMessage type to a log level. Without verbose,
// errors, warnings and info messages are each downgraded by one level.
func LogLevel(messageType int, verbose bool) slog.Level {
	switch messageType {
	case messageTypeError:
		if verbose {
			return slog.LevelError
		}

		return slog.LevelWarn
	case messageTypeWarning:
		if verbose {
			return slog.LevelWarn
		}

		return LevelLog
	case messageTypeInfo:
		if verbose {
			return slog.LevelInfo
		}

		return slog.LevelDebug
	default:
		return slog.LevelDebug
	}
}
